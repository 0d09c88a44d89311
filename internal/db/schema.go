package db

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id            TEXT PRIMARY KEY,
    handle        TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT DEFAULT 'agent' CHECK(role IN ('agent','operator','admin')),
    trust_tier    TEXT NOT NULL DEFAULT 'new' CHECK(trust_tier IN ('new','basic','verified','trusted','exemplary')),
    credits       INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME DEFAULT (datetime('now')),
    last_seen_at  DATETIME
);

-- Validator pool: qualifying agents acting as peer reviewers
CREATE TABLE IF NOT EXISTS validators (
    id                TEXT PRIMARY KEY,
    agent_id          TEXT UNIQUE NOT NULL REFERENCES agents(id),
    tier              TEXT NOT NULL DEFAULT 'apprentice' CHECK(tier IN ('apprentice','journeyman','master','grandmaster')),
    f1_score          REAL NOT NULL DEFAULT 0,
    precision_score   REAL NOT NULL DEFAULT 0,
    recall_score      REAL NOT NULL DEFAULT 0,
    response_rate     REAL NOT NULL DEFAULT 1.0,
    evaluations_today INTEGER NOT NULL DEFAULT 0,
    quota_reset_at    DATETIME,
    domains           TEXT NOT NULL DEFAULT '[]',
    regions           TEXT NOT NULL DEFAULT '[]',
    is_active         INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0,1)),
    suspended         INTEGER NOT NULL DEFAULT 0 CHECK(suspended IN (0,1)),
    created_at        DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_validators_tier ON validators(tier) WHERE is_active = 1 AND suspended = 0;

CREATE TABLE IF NOT EXISTS submissions (
    id              TEXT NOT NULL,
    submission_type TEXT NOT NULL CHECK(submission_type IN ('problem','solution','debate','mission')),
    domain          TEXT NOT NULL DEFAULT 'general',
    content         TEXT NOT NULL,
    author_id       TEXT NOT NULL,
    author_tier     TEXT NOT NULL,
    lat             REAL,
    lng             REAL,
    route           TEXT CHECK(route IN ('layer_b','peer_consensus')),
    route_reason    TEXT,
    quorum_required INTEGER,
    auto_decision   TEXT CHECK(auto_decision IN ('approve','reject','flag')),
    auto_score      REAL,
    created_at      DATETIME DEFAULT (datetime('now')),
    PRIMARY KEY (id, submission_type)
);
CREATE INDEX IF NOT EXISTS idx_submissions_author ON submissions(author_id);

CREATE TABLE IF NOT EXISTS peer_evaluations (
    id              TEXT PRIMARY KEY,
    submission_id   TEXT NOT NULL,
    submission_type TEXT NOT NULL,
    validator_id    TEXT NOT NULL REFERENCES validators(id),
    agent_id        TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','completed','expired')),
    verdict         TEXT CHECK(verdict IN ('approve','reject','flag')),
    confidence      REAL,
    reward_tx_id    TEXT,
    expires_at      DATETIME NOT NULL,
    completed_at    DATETIME,
    created_at      DATETIME DEFAULT (datetime('now')),
    UNIQUE (submission_id, submission_type, validator_id)
);
CREATE INDEX IF NOT EXISTS idx_peer_evals_submission ON peer_evaluations(submission_id, submission_type);
CREATE INDEX IF NOT EXISTS idx_peer_evals_pending ON peer_evaluations(expires_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_peer_evals_validator ON peer_evaluations(validator_id);

CREATE TABLE IF NOT EXISTS consensus_results (
    id              TEXT PRIMARY KEY,
    submission_id   TEXT NOT NULL,
    submission_type TEXT NOT NULL,
    outcome         TEXT NOT NULL CHECK(outcome IN ('approved','rejected','escalated')),
    created_reason  TEXT NOT NULL CHECK(created_reason IN ('quorum_met','timeout_escalation')),
    evaluation_ids  TEXT NOT NULL DEFAULT '[]',
    created_at      DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_consensus_submission ON consensus_results(submission_id, submission_type);

-- Credit ledger: append-only, idempotency-keyed balance mutations
CREATE TABLE IF NOT EXISTS credit_ledger (
    id              TEXT PRIMARY KEY,
    agent_id        TEXT NOT NULL,
    amount          INTEGER NOT NULL,
    tx_type         TEXT NOT NULL,
    ref_type        TEXT,
    ref_id          TEXT,
    idempotency_key TEXT NOT NULL UNIQUE,
    balance_before  INTEGER NOT NULL,
    balance_after   INTEGER NOT NULL,
    note            TEXT,
    created_at      DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_agent ON credit_ledger(agent_id);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_time ON credit_ledger(created_at);

CREATE TABLE IF NOT EXISTS spot_checks (
    id                  TEXT PRIMARY KEY,
    submission_id       TEXT NOT NULL,
    submission_type     TEXT NOT NULL,
    peer_decision       TEXT NOT NULL,
    peer_confidence     REAL NOT NULL,
    classifier_decision TEXT NOT NULL,
    classifier_score    REAL NOT NULL,
    agrees              INTEGER NOT NULL CHECK(agrees IN (0,1)),
    disagreement_type   TEXT CHECK(disagreement_type IN ('false_negative','false_positive','missed_flag')),
    created_at          DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_spot_checks_submission ON spot_checks(submission_id, submission_type);
CREATE INDEX IF NOT EXISTS idx_spot_checks_disagree ON spot_checks(agrees) WHERE agrees = 0;

-- Economic health snapshots: append-only, one per scheduled run
CREATE TABLE IF NOT EXISTS economy_snapshots (
    id                TEXT PRIMARY KEY,
    faucet_total      INTEGER NOT NULL,
    sink_total        INTEGER NOT NULL,
    ratio             REAL NOT NULL,
    active_agents     INTEGER NOT NULL,
    hardship_agents   INTEGER NOT NULL,
    hardship_rate     REAL NOT NULL,
    median_balance    REAL NOT NULL,
    active_validators INTEGER NOT NULL,
    alert             INTEGER NOT NULL DEFAULT 0 CHECK(alert IN (0,1)),
    alert_reasons     TEXT NOT NULL DEFAULT '[]',
    created_at        DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_economy_snapshots_time ON economy_snapshots(created_at);

-- One ratio reading per UTC day, for circuit-breaker trend tracking
CREATE TABLE IF NOT EXISTS ratio_history (
    day         TEXT PRIMARY KEY,
    ratio       REAL NOT NULL,
    recorded_at DATETIME DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS feature_flags (
    name       TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME DEFAULT (datetime('now'))
);

-- Job queue: pending jobs claimed by workers, exponential backoff on failure
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    payload_json TEXT NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','running','completed','failed')),
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    run_after    DATETIME NOT NULL,
    dedupe_key   TEXT UNIQUE,
    last_error   TEXT,
    created_at   DATETIME DEFAULT (datetime('now')),
    updated_at   DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(type, run_after) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_dead ON jobs(updated_at) WHERE status = 'failed';
`
