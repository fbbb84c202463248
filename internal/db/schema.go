package db

// schemaSQLTemplate contains the database schema initialization SQL.
// The single %d placeholder is the HNSW embedding dimension, which
// SurrealDB requires as a literal.
const schemaSQLTemplate = `
    -- ==========================================================================
    -- REPO TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS repo SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON repo TYPE string;
    DEFINE FIELD IF NOT EXISTS path ON repo TYPE string;
    DEFINE FIELD IF NOT EXISTS indexed ON repo TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS indexed_at ON repo TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS created_at ON repo TYPE datetime DEFAULT time::now();

    -- ==========================================================================
    -- DOCUMENT TABLE (one row per distinct file path per repo)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS document SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS repo_id ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS path ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS source_uri ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS ingestion_status ON document TYPE string DEFAULT "indexing";
    DEFINE FIELD IF NOT EXISTS ingested_at ON document TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS created_at ON document TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS document_repo_path ON document FIELDS repo_id, path UNIQUE;

    -- ==========================================================================
    -- DOCUMENT_CHUNK TABLE (relational mirror of embedded chunks)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS document_chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS document ON document_chunk TYPE record<document>;
    DEFINE FIELD IF NOT EXISTS content ON document_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_hash ON document_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_index ON document_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS start_line ON document_chunk TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS end_line ON document_chunk TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS embedding_model ON document_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON document_chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS document_chunk_doc_idx ON document_chunk FIELDS document, chunk_index;
    DEFINE INDEX IF NOT EXISTS document_chunk_hash ON document_chunk FIELDS chunk_hash;

    -- ==========================================================================
    -- EMBEDDING TABLE (vector search, deterministic string ids)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS embedding SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS repo_id ON embedding TYPE string;
    DEFINE FIELD IF NOT EXISTS file_path ON embedding TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON embedding TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON embedding TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS document_id ON embedding TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_index ON embedding TYPE int;
    DEFINE FIELD IF NOT EXISTS start_line ON embedding TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS end_line ON embedding TYPE option<int>;

    DEFINE INDEX IF NOT EXISTS embedding_repo ON embedding FIELDS repo_id;
    DEFINE INDEX IF NOT EXISTS embedding_vector ON embedding FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;

    -- ==========================================================================
    -- RAG_QUERY TABLE (query provenance)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS rag_query SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS conversation_id ON rag_query TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS query_text ON rag_query TYPE string;
    DEFINE FIELD IF NOT EXISTS response_text ON rag_query TYPE string;
    DEFINE FIELD IF NOT EXISTS response_metadata ON rag_query TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON rag_query TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS rag_query_conversation ON rag_query FIELDS conversation_id;

    -- ==========================================================================
    -- RETRIEVED_CHUNK TABLE (which chunks backed which answer)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS retrieved_chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS rag_query ON retrieved_chunk TYPE record<rag_query>;
    DEFINE FIELD IF NOT EXISTS document_chunk ON retrieved_chunk TYPE record<document_chunk>;
    DEFINE FIELD IF NOT EXISTS score ON retrieved_chunk TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS rank ON retrieved_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS used_in_prompt ON retrieved_chunk TYPE bool DEFAULT true;
    DEFINE FIELD IF NOT EXISTS created_at ON retrieved_chunk TYPE datetime DEFAULT time::now();
`
