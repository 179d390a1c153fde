package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// EnsureSchema creates the vector extension, the medical_evidence table, its
// indexes, and the hybrid search function if they do not exist. Safe to call
// on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS medical_evidence (
  id BIGSERIAL PRIMARY KEY,
  pmid TEXT NOT NULL,
  chunk_index INT NOT NULL,
  content TEXT NOT NULL,
  content_with_context TEXT NOT NULL,
  section_type TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  journal TEXT NOT NULL DEFAULT '',
  pub_year INT,
  doi TEXT,
  authors TEXT[] NOT NULL DEFAULT '{}',
  evidence_level INT NOT NULL,
  study_design TEXT,
  sample_size INT,
  mesh_terms TEXT[] NOT NULL DEFAULT '{}',
  mesh_major TEXT[] NOT NULL DEFAULT '{}',
  chemicals TEXT[] NOT NULL DEFAULT '{}',
  keywords TEXT[] NOT NULL DEFAULT '{}',
  token_estimate INT NOT NULL DEFAULT 0,
  url TEXT,
  embedding vector(%d),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (pmid, chunk_index)
)`, dimensions)
	if _, err := pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create medical_evidence table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS medical_evidence_pmid_idx ON medical_evidence (pmid)`,
		`CREATE INDEX IF NOT EXISTS medical_evidence_level_idx ON medical_evidence (evidence_level)`,
		`CREATE INDEX IF NOT EXISTS medical_evidence_year_idx ON medical_evidence (pub_year)`,
		`CREATE INDEX IF NOT EXISTS medical_evidence_fts_idx ON medical_evidence
		   USING gin (to_tsvector('english', content_with_context))`,
		`CREATE INDEX IF NOT EXISTS medical_evidence_embedding_idx ON medical_evidence
		   USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}
	for _, q := range indexes {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := pool.Exec(ctx, hybridSearchFunction); err != nil {
		return fmt.Errorf("create hybrid_medical_search function: %w", err)
	}
	log.Debug().Int("dimensions", dimensions).Msg("medical_evidence schema ensured")
	return nil
}

// hybridSearchFunction is consumed by the retrieval side; ingestion only has
// to keep writing rows that satisfy its shape.
const hybridSearchFunction = `
CREATE OR REPLACE FUNCTION hybrid_medical_search(
  query_text TEXT,
  query_embedding vector,
  match_count INT DEFAULT 10,
  min_evidence_level INT DEFAULT NULL,
  from_year INT DEFAULT NULL,
  semantic_weight FLOAT DEFAULT 0.6
) RETURNS TABLE (
  id BIGINT,
  pmid TEXT,
  chunk_index INT,
  content TEXT,
  title TEXT,
  journal TEXT,
  pub_year INT,
  evidence_level INT,
  study_design TEXT,
  url TEXT,
  score FLOAT
) LANGUAGE sql STABLE AS $$
  WITH semantic AS (
    SELECT me.id, 1 - (me.embedding <=> query_embedding) AS sim
    FROM medical_evidence me
    ORDER BY me.embedding <=> query_embedding
    LIMIT match_count * 4
  ),
  lexical AS (
    SELECT me.id,
           ts_rank(to_tsvector('english', me.content_with_context),
                   plainto_tsquery('english', query_text)) AS rank
    FROM medical_evidence me
    WHERE to_tsvector('english', me.content_with_context) @@
          plainto_tsquery('english', query_text)
    LIMIT match_count * 4
  )
  SELECT me.id, me.pmid, me.chunk_index, me.content, me.title, me.journal,
         me.pub_year, me.evidence_level, me.study_design, me.url,
         COALESCE(s.sim, 0) * semantic_weight +
         COALESCE(l.rank, 0) * (1 - semantic_weight) AS score
  FROM medical_evidence me
  LEFT JOIN semantic s ON s.id = me.id
  LEFT JOIN lexical l ON l.id = me.id
  WHERE (s.id IS NOT NULL OR l.id IS NOT NULL)
    AND (min_evidence_level IS NULL OR me.evidence_level <= min_evidence_level)
    AND (from_year IS NULL OR me.pub_year >= from_year)
  ORDER BY score DESC
  LIMIT match_count
$$;
`
