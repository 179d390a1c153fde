package config

// ChunkStrategy selects how an article's abstract is split into chunks.
type ChunkStrategy string

const (
	StrategySection  ChunkStrategy = "section"
	StrategySentence ChunkStrategy = "sentence"
	StrategySliding  ChunkStrategy = "sliding"
	StrategyHybrid   ChunkStrategy = "hybrid"
)

// ChunkingConfig controls the medical chunker.
type ChunkingConfig struct {
	Strategy         ChunkStrategy `yaml:"strategy"`
	MaxChunkTokens   int           `yaml:"max_chunk_tokens"`
	MinChunkTokens   int           `yaml:"min_chunk_tokens"`
	OverlapTokens    int           `yaml:"overlap_tokens"`
	IncludeTitle     bool          `yaml:"include_title"`
	IncludeMesh      bool          `yaml:"include_mesh"`
	IncludeStudyInfo bool          `yaml:"include_study_info"`
}

// DefaultChunking returns the chunker defaults used across all entry points.
func DefaultChunking() ChunkingConfig {
	return ChunkingConfig{
		Strategy:         StrategyHybrid,
		MaxChunkTokens:   512,
		MinChunkTokens:   100,
		OverlapTokens:    50,
		IncludeTitle:     true,
		IncludeMesh:      true,
		IncludeStudyInfo: true,
	}
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	BaseURL    string `yaml:"base_url"`
	Path       string `yaml:"path"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	// MaxParallel caps the adaptive batch-group parallelism.
	MaxParallel int `yaml:"max_parallel"`
	Timeout     int `yaml:"timeout"` // seconds per request
}

// DatabaseConfig holds the vector store connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	// StoreBatchSize is the upsert batch size. Small batches keep each
	// transaction inside the server's statement timeout.
	StoreBatchSize int `yaml:"store_batch_size"`
}

// IngestionConfig is the frozen input to one ingestion run.
type IngestionConfig struct {
	Topics          []string       `yaml:"topics"`
	Files           []string       `yaml:"files"`
	MaxPerTopic     int            `yaml:"max_per_topic"`
	Chunking        ChunkingConfig `yaml:"chunking"`
	FromYear        int            `yaml:"from_year"`
	ToYear          int            `yaml:"to_year"`
	Language        string         `yaml:"language"`
	RequireAbstract bool           `yaml:"require_abstract"`
	HumansOnly      bool           `yaml:"humans_only"`
	// PublicationTypes, when non-empty, restricts the search to an OR of
	// these publication types.
	PublicationTypes []string `yaml:"publication_types"`
	MinEvidenceLevel int      `yaml:"min_evidence_level"`
	Workers          int      `yaml:"workers"`
	FetchBatchSize   int      `yaml:"fetch_batch_size"`
	EmbedBatchSize   int      `yaml:"embed_batch_size"`
	StoreBatchSize   int      `yaml:"store_batch_size"`
	NCBIAPIKey       string   `yaml:"ncbi_api_key"`
	DryRun           bool     `yaml:"dry_run"`
	CheckpointPath   string   `yaml:"checkpoint"`
}

// DefaultIngestion returns an IngestionConfig with the documented defaults.
func DefaultIngestion() IngestionConfig {
	return IngestionConfig{
		MaxPerTopic:     100,
		Chunking:        DefaultChunking(),
		Language:        "english",
		RequireAbstract: true,
		HumansOnly:      true,
		Workers:         5,
		FetchBatchSize:  200,
		EmbedBatchSize:  200,
		StoreBatchSize:  15,
		CheckpointPath:  "ingestion-checkpoint.json",
	}
}

// HighEvidenceTypes is the publication-type allow-list applied by the
// --high-evidence flag.
var HighEvidenceTypes = []string{
	"Meta-Analysis",
	"Systematic Review",
	"Randomized Controlled Trial",
	"Practice Guideline",
}

// Config aggregates everything a binary needs at startup.
type Config struct {
	Database   DatabaseConfig  `yaml:"database"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	NCBIAPIKey string          `yaml:"ncbi_api_key"`
	LogLevel   string          `yaml:"log_level"`
}
