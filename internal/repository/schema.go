package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the butler's schema and every table it owns. All
// statements are idempotent so startup can run this unconditionally.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,

		// Append-only enforcement shared by the audit tables.
		`CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $fn$
		BEGIN
			RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
		END;
		$fn$ LANGUAGE plpgsql`,

		// Inbound/outbound message log, partitioned by month on received_at.
		// Partitions are created lazily at insert time.
		`CREATE TABLE IF NOT EXISTS message_inbox (
			id UUID NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			request_id UUID NOT NULL,
			source_channel TEXT NOT NULL,
			source_endpoint_identity TEXT NOT NULL,
			source_sender_identity TEXT NOT NULL DEFAULT '',
			source_thread_identity TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT NOT NULL DEFAULT '',
			dedupe_strategy TEXT NOT NULL DEFAULT '',
			raw_payload JSONB,
			normalized_text TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL DEFAULT 'inbound',
			lifecycle_state TEXT NOT NULL DEFAULT 'accepted',
			schema_version TEXT NOT NULL DEFAULT '',
			processing_metadata JSONB,
			decomposition_out JSONB,
			dispatch_outcomes JSONB,
			response_summary TEXT NOT NULL DEFAULT '',
			final_state_at TIMESTAMPTZ,
			trace_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (received_at, id)
		) PARTITION BY RANGE (received_at)`,
		`CREATE INDEX IF NOT EXISTS message_inbox_dedupe_idx
			ON message_inbox (dedupe_key) WHERE dedupe_key <> ''`,
		`CREATE INDEX IF NOT EXISTS message_inbox_request_idx
			ON message_inbox (request_id)`,

		// Global dedupe enforcement. The partitioned inbox cannot carry a
		// unique index on dedupe_key alone, so inserts claim the key here in
		// the same transaction.
		`CREATE TABLE IF NOT EXISTS dedupe_keys (
			key TEXT PRIMARY KEY,
			request_id UUID NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		)`,

		// Outbound delivery audit log.
		`CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			source_butler TEXT NOT NULL,
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			message TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS notifications_created_idx
			ON notifications (created_at DESC)`,

		// Butler registry and its append-only eligibility log.
		`CREATE TABLE IF NOT EXISTS butler_registry (
			name TEXT PRIMARY KEY,
			modules TEXT[] NOT NULL DEFAULT '{}',
			eligibility_state TEXT NOT NULL DEFAULT 'active',
			liveness_ttl_seconds INT NOT NULL DEFAULT 300,
			last_seen_at TIMESTAMPTZ,
			quarantined_at TIMESTAMPTZ,
			quarantine_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS butler_registry_eligibility_log (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			butler TEXT NOT NULL,
			previous_state TEXT NOT NULL,
			new_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`DO $$ BEGIN
			CREATE TRIGGER eligibility_log_append_only
				BEFORE UPDATE OR DELETE ON butler_registry_eligibility_log
				FOR EACH ROW EXECUTE FUNCTION reject_mutation();
		EXCEPTION WHEN others THEN NULL;
		END $$`,

		// Generic KV state (module flags, affinity settings and overrides).
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Per-butler route inbox.
		`CREATE TABLE IF NOT EXISTS route_inbox (
			id UUID PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			route_envelope JSONB NOT NULL,
			lifecycle_state TEXT NOT NULL DEFAULT 'accepted',
			claimed_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			session_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS route_inbox_pending_idx
			ON route_inbox (received_at) WHERE lifecycle_state = 'accepted'`,

		// Append-only sessions log.
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			prompt TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			trace_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			parent_session_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_started_idx
			ON sessions (started_at DESC)`,
		`DO $$ BEGIN
			CREATE TRIGGER sessions_append_only
				BEFORE UPDATE OR DELETE ON sessions
				FOR EACH ROW EXECUTE FUNCTION reject_mutation();
		EXCEPTION WHEN others THEN NULL;
		END $$`,

		// Scheduler.
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL DEFAULT '',
			dispatch_mode TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			job_name TEXT NOT NULL DEFAULT '',
			job_args JSONB,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			start_at TIMESTAMPTZ,
			end_at TIMESTAMPTZ,
			until_at TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT true,
			next_run_at TIMESTAMPTZ,
			last_run_at TIMESTAMPTZ,
			last_result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (dispatch_mode <> 'prompt' OR (prompt <> '' AND job_name = '')),
			CHECK (dispatch_mode <> 'job' OR job_name <> ''),
			CHECK (start_at IS NULL OR end_at IS NULL OR end_at > start_at),
			CHECK (start_at IS NULL OR until_at IS NULL OR until_at >= start_at)
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_tasks_due_idx
			ON scheduled_tasks (next_run_at) WHERE enabled AND next_run_at IS NOT NULL`,

		// Routing history for thread affinity.
		`CREATE TABLE IF NOT EXISTS routing_history (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			channel TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			butler TEXT NOT NULL,
			routed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS routing_history_thread_idx
			ON routing_history (channel, thread_id, routed_at DESC)`,

		// Approval gate: pending actions, standing rules, append-only events.
		`CREATE TABLE IF NOT EXISTS pending_actions (
			id UUID PRIMARY KEY,
			tool_name TEXT NOT NULL,
			tool_args JSONB,
			agent_summary TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			requested_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			decided_by TEXT NOT NULL DEFAULT '',
			decided_at TIMESTAMPTZ,
			approval_rule_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS pending_actions_pending_idx
			ON pending_actions (expires_at) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS approval_rules (
			id UUID PRIMARY KEY,
			tool_name TEXT NOT NULL,
			arg_constraints JSONB NOT NULL DEFAULT '{}',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			max_uses INT,
			use_count INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			created_from TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS approval_rules_active_idx
			ON approval_rules (tool_name) WHERE active`,
		`CREATE TABLE IF NOT EXISTS approval_events (
			id UUID PRIMARY KEY,
			action_id TEXT NOT NULL DEFAULT '',
			rule_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS approval_events_action_idx
			ON approval_events (action_id, occurred_at)`,
		`DO $$ BEGIN
			CREATE TRIGGER approval_events_append_only
				BEFORE UPDATE OR DELETE ON approval_events
				FOR EACH ROW EXECUTE FUNCTION reject_mutation();
		EXCEPTION WHEN others THEN NULL;
		END $$`,

		// Delivery idempotency engine.
		`CREATE TABLE IF NOT EXISTS delivery_requests (
			id UUID PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL DEFAULT '',
			origin_butler TEXT NOT NULL,
			channel TEXT NOT NULL,
			intent TEXT NOT NULL,
			target_identity TEXT NOT NULL,
			message_content TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			request_envelope JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			terminal_error_class TEXT NOT NULL DEFAULT '',
			terminal_error_message TEXT NOT NULL DEFAULT '',
			terminal_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_receipts (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			delivery_request_id UUID NOT NULL REFERENCES delivery_requests (id),
			provider_delivery_id TEXT NOT NULL DEFAULT '',
			receipt_type TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			metadata JSONB
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS delivery_receipts_sent_idx
			ON delivery_receipts (delivery_request_id) WHERE receipt_type = 'sent'`,

		// Education: curriculum maps, nodes, edges, quiz responses.
		`CREATE TABLE IF NOT EXISTS mind_maps (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS mind_map_nodes (
			id UUID PRIMARY KEY,
			mind_map_id UUID NOT NULL REFERENCES mind_maps (id),
			label TEXT NOT NULL,
			depth INT NOT NULL DEFAULT 0,
			effort_minutes INT,
			mastery_status TEXT NOT NULL DEFAULT 'unseen',
			mastery_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			ease_factor DOUBLE PRECISION NOT NULL DEFAULT 2.5,
			repetitions INT NOT NULL DEFAULT 0,
			next_review_at TIMESTAMPTZ,
			last_reviewed_at TIMESTAMPTZ,
			sequence INT,
			metadata JSONB,
			CHECK (ease_factor >= 1.3),
			CHECK (mastery_score >= 0 AND mastery_score <= 1)
		)`,
		`CREATE INDEX IF NOT EXISTS mind_map_nodes_map_idx
			ON mind_map_nodes (mind_map_id)`,
		`CREATE TABLE IF NOT EXISTS mind_map_edges (
			parent_node_id UUID NOT NULL REFERENCES mind_map_nodes (id),
			child_node_id UUID NOT NULL REFERENCES mind_map_nodes (id),
			edge_type TEXT NOT NULL DEFAULT 'prerequisite',
			PRIMARY KEY (parent_node_id, child_node_id, edge_type)
		)`,
		`CREATE TABLE IF NOT EXISTS quiz_responses (
			id UUID PRIMARY KEY,
			node_id UUID NOT NULL REFERENCES mind_map_nodes (id),
			mind_map_id UUID NOT NULL,
			question_text TEXT NOT NULL DEFAULT '',
			user_answer TEXT NOT NULL DEFAULT '',
			quality INT NOT NULL,
			response_type TEXT NOT NULL,
			responded_at TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			CHECK (quality >= 0 AND quality <= 5)
		)`,
		`CREATE INDEX IF NOT EXISTS quiz_responses_node_idx
			ON quiz_responses (node_id, responded_at DESC)`,

		// Memory entities, aliases inline, facts, and contact channels.
		`CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			aliases TEXT[] NOT NULL DEFAULT '{}',
			domain_scores JSONB NOT NULL DEFAULT '{}',
			tombstoned BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS entities_name_idx
			ON entities (tenant_id, lower(canonical_name)) WHERE NOT tombstoned`,
		`CREATE INDEX IF NOT EXISTS entities_name_trgm_idx
			ON entities USING gin (canonical_name gin_trgm_ops)`,
		`CREATE TABLE IF NOT EXISTS entity_facts (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			entity_id UUID NOT NULL REFERENCES entities (id),
			predicate TEXT NOT NULL,
			content TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS entity_facts_active_idx
			ON entity_facts (entity_id, created_at DESC) WHERE active`,
		`CREATE TABLE IF NOT EXISTS contact_channels (
			entity_id UUID NOT NULL REFERENCES entities (id),
			channel_type TEXT NOT NULL,
			channel_value TEXT NOT NULL,
			PRIMARY KEY (channel_type, channel_value)
		)`,
		`CREATE TABLE IF NOT EXISTS contact_roles (
			entity_id UUID NOT NULL REFERENCES entities (id),
			role TEXT NOT NULL,
			PRIMARY KEY (entity_id, role)
		)`,

		// Least-privilege boundary: the butler's role gets DML on its own
		// schema and read-only access to shared.
		`CREATE SCHEMA IF NOT EXISTS shared`,
		fmt.Sprintf(`DO $$ BEGIN
			CREATE ROLE butler_%s_rw;
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`, schema),
		fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO butler_%s_rw`, schema, schema),
		fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA %s TO butler_%s_rw`, schema, schema),
		fmt.Sprintf(`GRANT USAGE ON ALL SEQUENCES IN SCHEMA %s TO butler_%s_rw`, schema, schema),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT SELECT, INSERT, UPDATE, DELETE ON TABLES TO butler_%s_rw`, schema, schema),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT USAGE ON SEQUENCES TO butler_%s_rw`, schema, schema),
		fmt.Sprintf(`GRANT USAGE ON SCHEMA shared TO butler_%s_rw`, schema),
		fmt.Sprintf(`GRANT SELECT ON ALL TABLES IN SCHEMA shared TO butler_%s_rw`, schema),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA shared GRANT SELECT ON TABLES TO butler_%s_rw`, schema),
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
