package batchstore

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    name TEXT PRIMARY KEY,
    recipe TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
    batch TEXT NOT NULL REFERENCES batches(name),
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    subpath TEXT,
    mode TEXT NOT NULL,
    branch TEXT,
    target_branch TEXT,
    commit_message TEXT,
    title TEXT,
    description TEXT,
    labels TEXT,
    context TEXT,
    result TEXT,
    work_dir TEXT,
    outcome TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    proposal_url TEXT,
    proposal_status TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (batch, name)
);

CREATE INDEX IF NOT EXISTS idx_entries_outcome ON entries(outcome);
CREATE INDEX IF NOT EXISTS idx_entries_proposal ON entries(proposal_url);
`
