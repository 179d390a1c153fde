package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caduceus/internal/config"
	"caduceus/internal/embeddings"
	"caduceus/internal/pubmed"
	"caduceus/internal/store"
)

func articleXML(pmid string) string {
	return fmt.Sprintf(`<PubmedArticle><MedlineCitation><PMID>%s</PMID>
<Article>
<Journal><Title>Test Journal</Title><JournalIssue><PubDate><Year>2022</Year></PubDate></JournalIssue></Journal>
<ArticleTitle>Article %s</ArticleTitle>
<Abstract><AbstractText>This randomized study of treatment enrolled 120 patients and found improved outcomes over usual care.</AbstractText></Abstract>
<Language>eng</Language>
<PublicationTypeList><PublicationType>Randomized Controlled Trial</PublicationType></PublicationTypeList>
</Article></MedlineCitation></PubmedArticle>`, pmid, pmid)
}

type fakePubMed struct {
	ids      []string
	searches int
	fetched  [][]string
	fail     bool
}

func (f *fakePubMed) Search(_ context.Context, q pubmed.SearchQuery) ([]string, error) {
	f.searches++
	if f.fail {
		return nil, fmt.Errorf("esearch down")
	}
	return f.ids, nil
}

func (f *fakePubMed) Fetch(_ context.Context, pmids []string) (string, error) {
	f.fetched = append(f.fetched, pmids)
	var b strings.Builder
	for _, id := range pmids {
		b.WriteString(articleXML(id))
	}
	return b.String(), nil
}

type fakeEmbedder struct {
	calls     int
	failAll   bool
	dimension int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, []embeddings.BatchFailure, error) {
	f.calls++
	if f.failAll {
		return make([][]float32, len(texts)),
			[]embeddings.BatchFailure{{Start: 0, End: len(texts), Err: fmt.Errorf("rate limited")}},
			nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dimension)
		out[i][0] = float32(i)
	}
	return out, nil, nil
}

type fakeStore struct {
	mu       sync.Mutex
	existing map[string]struct{}
	rows     map[string]store.Record // keyed pmid:index
}

func newFakeStore(existing ...string) *fakeStore {
	fs := &fakeStore{existing: map[string]struct{}{}, rows: map[string]store.Record{}}
	for _, id := range existing {
		fs.existing[id] = struct{}{}
	}
	return fs
}

func (f *fakeStore) StoreChunks(_ context.Context, records []store.Record) store.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.rows[fmt.Sprintf("%s:%d", r.Chunk.PMID, r.Chunk.ChunkIndex)] = r
	}
	return store.Result{Stored: len(records)}
}

func (f *fakeStore) ExistingPMIDs(_ context.Context, pmids []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]struct{}{}
	for _, id := range pmids {
		if _, ok := f.existing[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func testIngestionConfig() config.IngestionConfig {
	cfg := config.DefaultIngestion()
	cfg.FetchBatchSize = 10
	cfg.EmbedBatchSize = 50
	return cfg
}

func TestRunTopicHappyPath(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1", "2", "3"}}
	emb := &fakeEmbedder{dimension: 4}
	fs := newFakeStore()
	o := NewOrchestrator(pm, emb, fs, testIngestionConfig())

	job := NewTopicJob("treatment", 100)
	require.NoError(t, o.Run(context.Background(), job))

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, job.ArticlesProcessed)
	assert.Equal(t, len(fs.rows), job.ChunksCreated)
	assert.NotEmpty(t, fs.rows)
	assert.Zero(t, job.ErrorCount)
	require.NotNil(t, job.CompletedAt)
}

// Articles already in storage are skipped entirely: they count as processed
// but produce zero chunks.
func TestRunTopicSkipsExisting(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1", "2"}}
	emb := &fakeEmbedder{dimension: 4}
	fs := newFakeStore("1", "2")
	o := NewOrchestrator(pm, emb, fs, testIngestionConfig())

	job := NewTopicJob("treatment", 100)
	require.NoError(t, o.Run(context.Background(), job))

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 2, job.ArticlesProcessed)
	assert.Zero(t, job.ChunksCreated)
	assert.Empty(t, fs.rows)
	assert.Empty(t, pm.fetched, "nothing new to fetch")
	assert.Zero(t, emb.calls)
}

func TestRunTopicSearchFailureFailsJob(t *testing.T) {
	pm := &fakePubMed{fail: true}
	o := NewOrchestrator(pm, &fakeEmbedder{dimension: 4}, newFakeStore(), testIngestionConfig())

	job := NewTopicJob("treatment", 100)
	err := o.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotEmpty(t, job.Errors)
	assert.Equal(t, StageFetch, job.Errors[0].Stage)
}

// A terminally failed embedding batch drops its chunks: nothing is stored,
// the job is marked failed, and the error count covers the dropped chunks.
func TestRunTopicEmbedFailureDropsChunks(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1", "2"}}
	emb := &fakeEmbedder{failAll: true, dimension: 4}
	fs := newFakeStore()
	o := NewOrchestrator(pm, emb, fs, testIngestionConfig())

	job := NewTopicJob("treatment", 100)
	require.NoError(t, o.Run(context.Background(), job))

	assert.Equal(t, StatusFailed, job.Status)
	assert.Empty(t, fs.rows)
	assert.Zero(t, job.ChunksCreated)
	assert.GreaterOrEqual(t, job.ErrorCount, 2, "dropped chunks must surface in the error count")
	require.NotEmpty(t, job.Errors)
	assert.Equal(t, StageEmbed, job.Errors[0].Stage)
}

func TestRunTopicEvidenceFilter(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1"}}
	emb := &fakeEmbedder{dimension: 4}
	fs := newFakeStore()
	cfg := testIngestionConfig()
	cfg.MinEvidenceLevel = 1 // fixture articles are RCTs: level 2, filtered out
	o := NewOrchestrator(pm, emb, fs, cfg)

	job := NewTopicJob("treatment", 100)
	require.NoError(t, o.Run(context.Background(), job))
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 1, job.ArticlesProcessed)
	assert.Empty(t, fs.rows)
}

func TestRunTopicDryRunStoresNothing(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1", "2"}}
	cfg := testIngestionConfig()
	cfg.DryRun = true
	// Dry runs must not touch the embedder or the store at all.
	o := NewOrchestrator(pm, nil, nil, cfg)

	job := NewTopicJob("treatment", 100)
	require.NoError(t, o.Run(context.Background(), job))
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 2, job.ArticlesProcessed)
	assert.Greater(t, job.ChunksCreated, 0, "dry run reports would-be chunks")
}

func TestRunTopicProgressEvents(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1"}}
	o := NewOrchestrator(pm, &fakeEmbedder{dimension: 4}, newFakeStore(), testIngestionConfig())
	var events []Snapshot
	o.Progress = func(s Snapshot) { events = append(events, s) }

	job := NewTopicJob("treatment", 100)
	require.NoError(t, o.Run(context.Background(), job))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, job.ID, last.JobID)
	assert.Equal(t, job.ChunksCreated, last.Chunks)
}

func TestPoolResumeSkipsSettledJobs(t *testing.T) {
	pm := &fakePubMed{ids: []string{"1"}}
	o := NewOrchestrator(pm, &fakeEmbedder{dimension: 4}, newFakeStore(), testIngestionConfig())

	jobs := []*Job{
		NewTopicJob("done already", 10),
		NewTopicJob("failed already", 10),
		NewTopicJob("todo", 10),
	}
	jobs[0].Status = StatusCompleted
	jobs[1].Status = StatusFailed
	doc := NewCheckpoint(jobs, JobTopic)

	pool := NewPool(o, 2, nil, doc)
	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, 1, pm.searches, "only the pending job may run")
	assert.Equal(t, StatusCompleted, jobs[2].Status)
	assert.Nil(t, jobs[0].CompletedAt, "settled jobs stay untouched")
}
