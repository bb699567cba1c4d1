package ackstore

import "fmt"

func ackTableName(deployment int) string {
	return fmt.Sprintf("write_acks_deployment%d", deployment)
}

func invalidationTableName(deployment int) string {
	return fmt.Sprintf("invalidations_deployment%d", deployment)
}

// ackEventName is the canonical event name the Write Coordinator
// subscribes to for a deployment's ack table, per spec.
func ackEventName(deployment int) string {
	return fmt.Sprintf("ack-events-%d", deployment)
}

func invalidationEventName(deployment int) string {
	return fmt.Sprintf("inv-events-%d", deployment)
}

func ddlForDeployment(deployment int) []string {
	acks := ackTableName(deployment)
	invs := invalidationTableName(deployment)
	ackEvt := ackEventName(deployment)
	invEvt := invalidationEventName(deployment)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namenode_id       BIGINT NOT NULL,
			deployment_number INT    NOT NULL,
			acknowledged      SMALLINT NOT NULL DEFAULT 0,
			op_id             BIGINT NOT NULL,
			timestamp         BIGINT NOT NULL,
			leader_id         BIGINT NOT NULL,
			PRIMARY KEY (namenode_id, op_id)
		)`, acks),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			inode_id  BIGINT NOT NULL,
			parent_id BIGINT NOT NULL,
			leader_id BIGINT NOT NULL,
			tx_start  BIGINT NOT NULL,
			op_id     BIGINT NOT NULL,
			PRIMARY KEY (inode_id, leader_id, op_id)
		)`, invs),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_inode_op ON %s (inode_id, op_id)`, invs, invs),

		fmt.Sprintf(`CREATE OR REPLACE FUNCTION notify_%s() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify('%s', json_build_object(
					'op', TG_OP,
					'namenode_id', COALESCE(NEW.namenode_id, OLD.namenode_id),
					'op_id', COALESCE(NEW.op_id, OLD.op_id),
					'acknowledged', COALESCE(NEW.acknowledged, OLD.acknowledged),
					'leader_id', COALESCE(NEW.leader_id, OLD.leader_id)
				)::text);
				RETURN NEW;
			END;
		$$ LANGUAGE plpgsql`, acks, ackEvt),

		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s ON %s`, acks, acks),
		fmt.Sprintf(`CREATE TRIGGER trg_%s AFTER INSERT OR UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION notify_%s()`, acks, acks, acks),

		fmt.Sprintf(`CREATE OR REPLACE FUNCTION notify_%s() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify('%s', json_build_object(
					'op', TG_OP,
					'inode_id', NEW.inode_id,
					'parent_id', NEW.parent_id,
					'leader_id', NEW.leader_id,
					'op_id', NEW.op_id
				)::text);
				RETURN NEW;
			END;
		$$ LANGUAGE plpgsql`, invs, invEvt),

		fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s ON %s`, invs, invs),
		fmt.Sprintf(`CREATE TRIGGER trg_%s AFTER INSERT ON %s
			FOR EACH ROW EXECUTE FUNCTION notify_%s()`, invs, invs, invs),
	}
}
