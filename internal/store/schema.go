package store

// schema is applied once at Open time. Every table from spec.md §6's
// persisted-state layout is present: subscription, proposal, agreement,
// agreement_event, debit_note, debit_note_event, invoice, invoice_event,
// allocation, payment, sync_notif.
const schema = `
CREATE TABLE IF NOT EXISTS subscription (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	kind        TEXT NOT NULL, -- 'Offer' | 'Demand'
	payload     TEXT NOT NULL, -- JSON: properties + constraints
	created_at  INTEGER NOT NULL,
	unsubscribed_at INTEGER
);

CREATE TABLE IF NOT EXISTS proposal (
	id                TEXT PRIMARY KEY,
	subscription_id   TEXT NOT NULL,
	prev_proposal_id  TEXT,
	issuer            TEXT NOT NULL, -- 'Us' | 'Them'
	state             TEXT NOT NULL,
	body              TEXT NOT NULL, -- JSON: properties + constraints
	body_digest       TEXT NOT NULL,
	ts                INTEGER NOT NULL,
	FOREIGN KEY (subscription_id) REFERENCES subscription(id)
);
CREATE INDEX IF NOT EXISTS idx_proposal_subscription ON proposal(subscription_id);
CREATE INDEX IF NOT EXISTS idx_proposal_prev ON proposal(prev_proposal_id);

CREATE TABLE IF NOT EXISTS proposal_event (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	subscription_id TEXT NOT NULL,
	proposal_id     TEXT NOT NULL,
	event_type      TEXT NOT NULL, -- 'ProposalReceived' | 'ProposalRejected'
	reason          TEXT,
	ts              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposal_event_sub_ts ON proposal_event(subscription_id, ts);

CREATE TABLE IF NOT EXISTS agreement (
	id                   TEXT NOT NULL,
	owner                TEXT NOT NULL, -- 'Provider' | 'Requestor'
	demand_proposal_id   TEXT NOT NULL,
	offer_proposal_id    TEXT NOT NULL,
	provider_id          TEXT NOT NULL,
	requestor_id         TEXT NOT NULL,
	valid_to             INTEGER NOT NULL,
	app_session_id       TEXT,
	state                TEXT NOT NULL,
	proposed_sig         TEXT,
	approved_sig         TEXT,
	committed_sig        TEXT,
	approved_ts          INTEGER,
	total_amount_scheduled TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (id, owner)
);
CREATE INDEX IF NOT EXISTS idx_agreement_valid_to ON agreement(valid_to);

CREATE TABLE IF NOT EXISTS agreement_event (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	agreement_id    TEXT NOT NULL,
	owner           TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	reason          TEXT,
	signature       TEXT,
	app_session_id  TEXT,
	ts              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agreement_event_owner_ts ON agreement_event(owner, ts);

CREATE TABLE IF NOT EXISTS debit_note (
	id                    TEXT PRIMARY KEY,
	agreement_id          TEXT NOT NULL,
	owner                 TEXT NOT NULL,
	activity_id           TEXT NOT NULL,
	previous_debit_note_id TEXT,
	total_amount_due      TEXT NOT NULL,
	usage_counter_vector  TEXT NOT NULL,
	payment_due_date      INTEGER,
	status                TEXT NOT NULL,
	issued_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_debit_note_agreement ON debit_note(agreement_id, owner);
CREATE INDEX IF NOT EXISTS idx_debit_note_activity ON debit_note(activity_id);

CREATE TABLE IF NOT EXISTS debit_note_event (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	debit_note_id   TEXT NOT NULL,
	owner           TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	app_session_id  TEXT,
	ts              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_debit_note_event_owner_ts ON debit_note_event(owner, ts);

CREATE TABLE IF NOT EXISTS invoice (
	id            TEXT PRIMARY KEY,
	agreement_id  TEXT NOT NULL,
	owner         TEXT NOT NULL,
	activity_ids  TEXT NOT NULL, -- JSON array
	amount        TEXT NOT NULL,
	status        TEXT NOT NULL,
	issued_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_agreement ON invoice(agreement_id, owner);

CREATE TABLE IF NOT EXISTS invoice_event (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	invoice_id      TEXT NOT NULL,
	owner           TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	app_session_id  TEXT,
	ts              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_event_owner_ts ON invoice_event(owner, ts);

CREATE TABLE IF NOT EXISTS allocation (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	payment_platform  TEXT NOT NULL,
	address           TEXT NOT NULL,
	total_amount      TEXT NOT NULL,
	spent_amount      TEXT NOT NULL DEFAULT '0',
	timeout           INTEGER,
	deposit           TEXT,
	status            TEXT NOT NULL DEFAULT 'Active', -- 'Active' | 'Gone'
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payment (
	order_id       TEXT PRIMARY KEY,
	agreement_id   TEXT NOT NULL,
	allocation_id  TEXT NOT NULL,
	amount         TEXT NOT NULL,
	confirmation   TEXT,
	scheduled_at   INTEGER NOT NULL,
	settled_at     INTEGER
);

CREATE TABLE IF NOT EXISTS sync_notif (
	peer_node_id   TEXT NOT NULL,
	last_attempt   INTEGER NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	payload_kind   TEXT NOT NULL, -- 'AcceptDebitNote' | 'AcceptInvoice'
	payload_id     TEXT NOT NULL,
	PRIMARY KEY (peer_node_id, payload_kind, payload_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_notif_last_attempt ON sync_notif(last_attempt);
`
