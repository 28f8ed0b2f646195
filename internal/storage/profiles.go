// internal/storage/profiles.go

package storage

import "time"

// Profile is the last display name seen for a user id.
type Profile struct {
	UserID    string
	Username  string
	UpdatedAt time.Time
}

const sqliteTime = "2006-01-02 15:04:05"

// scanTime accepts what the driver hands back for a DATETIME column:
// either a parsed time.Time or the raw text.
func scanTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return parseTimeText(t)
	case []byte:
		return parseTimeText(string(t))
	}
	return time.Time{}, false
}

func parseTimeText(s string) (time.Time, bool) {
	for _, layout := range []string{sqliteTime, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// UpsertProfile stores or replaces the cached name for a user. An empty
// name never overwrites a known one.
func (d *DB) UpsertProfile(userID, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _profiles (user_id, username, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			username   = CASE WHEN excluded.username = '' THEN _profiles.username ELSE excluded.username END,
			updated_at = CURRENT_TIMESTAMP`,
		userID, username,
	)
	return err
}

// GetProfile returns the cached profile, or false if unknown.
func (d *DB) GetProfile(userID string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p Profile
	var updated any
	err := d.db.QueryRow(`
		SELECT user_id, username, updated_at FROM _profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Username, &updated)
	if err != nil {
		return Profile{}, false
	}
	p.UpdatedAt, _ = scanTime(updated)
	return p, true
}

func (d *DB) ListProfiles() ([]Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, username, updated_at FROM _profiles ORDER BY updated_at DESC, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		var p Profile
		var updated any
		if err := rows.Scan(&p.UserID, &p.Username, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt, _ = scanTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *DB) DeleteProfile(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _profiles WHERE user_id = ?`, userID)
	return err
}
