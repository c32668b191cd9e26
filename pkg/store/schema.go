package store

// schema is executed on every Open. Every statement is idempotent so that a
// handle opened against a deleted or never-created database file always sees
// a complete schema; "no such table" must never surface to callers.
const schema = `
-- Tickets: durable records of invariant violations
CREATE TABLE IF NOT EXISTS tickets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    invariant_name TEXT NOT NULL,
    subject_name TEXT NOT NULL,
    violation_key TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL DEFAULT 'warning',
    status TEXT NOT NULL DEFAULT 'open',
    opened_at TEXT NOT NULL,
    resolved_at TEXT,
    violation_details TEXT NOT NULL DEFAULT '{}',
    diagnosis TEXT NOT NULL DEFAULT '',
    assigned_session_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tickets_dedup
    ON tickets(invariant_name, subject_name, status, violation_key);
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_opened_at ON tickets(opened_at);

-- Agent sessions: one per ticket claim
CREATE TABLE IF NOT EXISTS agent_sessions (
    session_id TEXT PRIMARY KEY,
    ticket_id INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    outcome_summary TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (ticket_id) REFERENCES tickets(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_ticket ON agent_sessions(ticket_id);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON agent_sessions(started_at);

-- Append-only audit log, strictly ordered per session
CREATE TABLE IF NOT EXISTS agent_log_entries (
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    timestamp TEXT NOT NULL,
    entry_type TEXT NOT NULL,
    tool_name TEXT NOT NULL DEFAULT '',
    tool_params TEXT NOT NULL DEFAULT '{}',
    content TEXT NOT NULL DEFAULT '',
    exit_code INTEGER,
    PRIMARY KEY (session_id, seq),
    FOREIGN KEY (session_id) REFERENCES agent_sessions(session_id)
);

CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON agent_log_entries(timestamp);

-- Action proposals for approval-mode workflows
CREATE TABLE IF NOT EXISTS action_proposals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id INTEGER NOT NULL,
    action_name TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'proposed',
    proposed_at TEXT NOT NULL,
    validated_at TEXT,
    approved_at TEXT,
    approved_by TEXT NOT NULL DEFAULT '',
    rejected_at TEXT,
    rejected_by TEXT NOT NULL DEFAULT '',
    rejection_reason TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (ticket_id) REFERENCES tickets(id)
);

CREATE INDEX IF NOT EXISTS idx_proposals_ticket ON action_proposals(ticket_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON action_proposals(status);

-- Evaluation campaigns and trials
CREATE TABLE IF NOT EXISTS campaigns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    subject_name TEXT NOT NULL,
    chaos_type TEXT NOT NULL,
    variant TEXT NOT NULL DEFAULT '',
    is_baseline INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    campaign_id INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    chaos_injected_at TEXT NOT NULL,
    chaos_metadata TEXT NOT NULL DEFAULT '{}',
    ticket_created_at TEXT,
    resolved_at TEXT,
    ended_at TEXT NOT NULL,
    outcome TEXT NOT NULL,
    initial_state TEXT NOT NULL DEFAULT '{}',
    final_state TEXT NOT NULL DEFAULT '{}',
    commands_json TEXT NOT NULL DEFAULT '[]',
    FOREIGN KEY (campaign_id) REFERENCES campaigns(id)
);

CREATE INDEX IF NOT EXISTS idx_trials_campaign ON trials(campaign_id);
`
