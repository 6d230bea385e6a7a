package agent

import (
	"context"
	"fmt"
)

// EnabledEventNames returns a lock-protected copy of the cached enabled-event
// set, the source plan_P.events_to_enable draws from during a promotion
// (spec.md §4.4 step 4b).
func (a *Agent) EnabledEventNames() map[string]bool {
	a.arrayLock.Lock()
	defer a.arrayLock.Unlock()
	out := make(map[string]bool, len(a.EnabledEvents))
	for k, v := range a.EnabledEvents {
		out[k] = v
	}
	return out
}

// updateEnabledEvents refreshes the cached set of currently-ENABLED events,
// qualified as "schema.name", so a later DisableEvents/EnableEvents call
// knows what it is restoring without re-querying under the operation budget.
func (a *Agent) updateEnabledEvents(ctx context.Context) error {
	rows, err := a.conn.QueryxContext(ctx, "SELECT EVENT_SCHEMA, EVENT_NAME FROM information_schema.EVENTS WHERE STATUS = 'ENABLED'")
	if err != nil {
		return fmt.Errorf("update_enabled_events: %w", err)
	}
	defer rows.Close()

	enabled := make(map[string]bool)
	for rows.Next() {
		m := make(map[string]interface{}, 2)
		if err := rows.MapScan(m); err != nil {
			return fmt.Errorf("update_enabled_events scan: %w", err)
		}
		enabled[asString(m["EVENT_SCHEMA"])+"."+asString(m["EVENT_NAME"])] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("update_enabled_events iteration: %w", err)
	}

	a.arrayLock.Lock()
	a.EnabledEvents = enabled
	a.arrayLock.Unlock()
	return nil
}
