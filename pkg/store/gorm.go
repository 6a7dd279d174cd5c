package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Gorm is the SQLite-backed Store.
type Gorm struct {
	db *gorm.DB
}

// Open connects to the SQLite database at dsn and migrates the schema.
func Open(dsn string) (*Gorm, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	return &Gorm{db: db}, nil
}

// NewGorm wraps an existing gorm handle, mostly for tests.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Transaction(ctx context.Context, fn func(Store) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx})
	})
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *Gorm) UpsertClient(ctx context.Context, clientID string, hardware datatypes.JSON) (*Client, error) {
	record := Client{
		ClientID:         clientID,
		HardwareInfo:     hardware,
		Status:           StatusOnline,
		IntegrityStatus:  IntegrityClean,
		AttestationValid: true,
		LastSeen:         time.Now().UTC(),
	}
	// Re-registration refreshes hardware and liveness but must not reset
	// hashes or integrity counters; reinstall history survives.
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hardware_info", "status", "last_seen"}),
	}).Create(&record).Error
	if err != nil {
		return nil, err
	}
	return g.GetClient(ctx, clientID)
}

func (g *Gorm) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := g.db.WithContext(ctx).Where("client_id = ?", clientID).First(&client).Error; err != nil {
		return nil, translate(err)
	}
	return &client, nil
}

func (g *Gorm) ListClients(ctx context.Context) ([]Client, error) {
	var clients []Client
	err := g.db.WithContext(ctx).
		Where("status <> ?", StatusUninstalled).
		Order("last_seen desc").
		Find(&clients).Error
	return clients, err
}

func (g *Gorm) updateClient(ctx context.Context, clientID string, updates map[string]any) error {
	res := g.db.WithContext(ctx).Model(&Client{}).Where("client_id = ?", clientID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) SetClientStatus(ctx context.Context, clientID, status string, now time.Time) error {
	return g.updateClient(ctx, clientID, map[string]any{"status": status, "last_seen": now})
}

func (g *Gorm) MarkClientUnresponsive(ctx context.Context, clientID, status string) error {
	return g.updateClient(ctx, clientID, map[string]any{"status": status})
}

func (g *Gorm) RecordClientHeartbeat(ctx context.Context, clientID, bootID string, fileCount int, now time.Time) error {
	return g.updateClient(ctx, clientID, map[string]any{
		"status":                 StatusOnline,
		"last_seen":              now,
		"last_heartbeat":         now,
		"last_boot_id":           bootID,
		"file_count":             fileCount,
		"missed_heartbeat_count": 0,
	})
}

func (g *Gorm) MarkAttestationFailure(ctx context.Context, clientID string, now time.Time) error {
	return g.updateClient(ctx, clientID, map[string]any{
		"attestation_valid":       false,
		"last_seen":               now,
		"attestation_error_count": gorm.Expr("attestation_error_count + 1"),
	})
}

func (g *Gorm) MarkClientStaged(ctx context.Context, clientID string, integrityModified bool, now time.Time) error {
	updates := map[string]any{"attestation_valid": true, "last_seen": now}
	if integrityModified {
		updates["integrity_status"] = IntegrityModified
	}
	return g.updateClient(ctx, clientID, updates)
}

func (g *Gorm) CommitClientHash(ctx context.Context, clientID, rootHash string, now time.Time) error {
	return g.updateClient(ctx, clientID, map[string]any{
		"current_root_hash":      rootHash,
		"last_seen":              now,
		"integrity_change_count": gorm.Expr("integrity_change_count + 1"),
	})
}

func (g *Gorm) IncrementMissedHeartbeats(ctx context.Context, clientID string) error {
	return g.updateClient(ctx, clientID, map[string]any{
		"missed_heartbeat_count": gorm.Expr("missed_heartbeat_count + 1"),
	})
}

func (g *Gorm) ReviewClient(ctx context.Context, clientID string, now time.Time) error {
	err := g.db.WithContext(ctx).Model(&Event{}).
		Where("client_id = ? AND reviewed = ?", clientID, false).
		Updates(map[string]any{"reviewed": true, "reviewed_at": now}).Error
	if err != nil {
		return err
	}
	return g.updateClient(ctx, clientID, map[string]any{
		"last_reviewed_at":  now,
		"attestation_valid": true,
		"integrity_status":  IntegrityClean,
	})
}

func (g *Gorm) SetClientIntegrityStatus(ctx context.Context, clientID, status string) error {
	return g.updateClient(ctx, clientID, map[string]any{"integrity_status": status})
}

func (g *Gorm) EnsureMonitoredPath(ctx context.Context, clientID, directoryPath, rootHash string, fileCount int, now time.Time) error {
	record := MonitoredPath{
		ClientID:      clientID,
		DirectoryPath: directoryPath,
		RootHash:      rootHash,
		FileCount:     fileCount,
		UpdatedAt:     now,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}, {Name: "directory_path"}},
		DoNothing: true,
	}).Create(&record).Error
}

func (g *Gorm) ListMonitoredPaths(ctx context.Context, clientID string) ([]MonitoredPath, error) {
	var paths []MonitoredPath
	err := g.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("length(directory_path) desc").
		Find(&paths).Error
	return paths, err
}

func (g *Gorm) SetMonitoredPathHash(ctx context.Context, clientID, directoryPath, rootHash string, now time.Time) error {
	res := g.db.WithContext(ctx).Model(&MonitoredPath{}).
		Where("client_id = ? AND directory_path = ?", clientID, directoryPath).
		Updates(map[string]any{"root_hash": rootHash, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) InsertEvent(ctx context.Context, event *Event) error {
	return g.db.WithContext(ctx).Create(event).Error
}

func (g *Gorm) FindEventByClientEventID(ctx context.Context, clientEventID string) (*Event, error) {
	var event Event
	err := g.db.WithContext(ctx).Where("client_event_id = ?", clientEventID).First(&event).Error
	if err != nil {
		return nil, translate(err)
	}
	return &event, nil
}

func (g *Gorm) GetEvent(ctx context.Context, clientID string, eventID uint) (*Event, error) {
	var event Event
	err := g.db.WithContext(ctx).Where("id = ? AND client_id = ?", eventID, clientID).First(&event).Error
	if err != nil {
		return nil, translate(err)
	}
	return &event, nil
}

func (g *Gorm) MarkEventAcknowledged(ctx context.Context, eventID uint, now time.Time) error {
	res := g.db.WithContext(ctx).Model(&Event{}).Where("id = ?", eventID).
		Updates(map[string]any{"acknowledged": true, "acknowledged_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) ListEvents(ctx context.Context, clientID string, q EventQuery) ([]Event, error) {
	query := g.db.WithContext(ctx).Where("client_id = ?", clientID)
	if q.UnreviewedOnly {
		query = query.Where("reviewed = ?", false)
	}
	order := "timestamp desc"
	if q.Ascending {
		order = "timestamp asc"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := query.Order(order).Limit(limit).Find(&events).Error
	return events, err
}

func (g *Gorm) EventsInRange(ctx context.Context, clientID string, from, to time.Time) ([]Event, error) {
	var events []Event
	err := g.db.WithContext(ctx).
		Where("client_id = ? AND timestamp >= ? AND timestamp <= ?", clientID, from, to).
		Where("event_type NOT IN ?", []string{EventHeartbeatMissed}).
		Order("timestamp asc").
		Find(&events).Error
	return events, err
}

func (g *Gorm) ReviewEvent(ctx context.Context, eventID uint, reviewer string, now time.Time) (*Event, error) {
	var event Event
	if err := g.db.WithContext(ctx).First(&event, eventID).Error; err != nil {
		return nil, translate(err)
	}
	err := g.db.WithContext(ctx).Model(&event).
		Updates(map[string]any{"reviewed": true, "reviewed_at": now, "reviewed_by": reviewer}).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (g *Gorm) CountUnreviewedEvents(ctx context.Context, clientID string) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&Event{}).
		Where("client_id = ? AND reviewed = ?", clientID, false).
		Count(&count).Error
	return count, err
}

func (g *Gorm) OpenInterval(ctx context.Context, clientID string) (*UptimeInterval, error) {
	var interval UptimeInterval
	err := g.db.WithContext(ctx).
		Where("client_id = ? AND end_time IS NULL", clientID).
		Order("start_time desc").
		First(&interval).Error
	if err != nil {
		return nil, translate(err)
	}
	return &interval, nil
}

func (g *Gorm) InsertInterval(ctx context.Context, interval *UptimeInterval) error {
	return g.db.WithContext(ctx).Create(interval).Error
}

func (g *Gorm) CloseInterval(ctx context.Context, intervalID uint, end time.Time, minutes int) error {
	res := g.db.WithContext(ctx).Model(&UptimeInterval{}).Where("id = ?", intervalID).
		Updates(map[string]any{"end_time": end, "duration_minutes": minutes})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) ExtendInterval(ctx context.Context, intervalID uint, minutes int) error {
	return g.db.WithContext(ctx).Model(&UptimeInterval{}).Where("id = ?", intervalID).
		Update("duration_minutes", minutes).Error
}

func (g *Gorm) IntervalsOverlapping(ctx context.Context, clientID string, from, to time.Time) ([]UptimeInterval, error) {
	var intervals []UptimeInterval
	err := g.db.WithContext(ctx).
		Where("client_id = ? AND start_time <= ? AND (end_time IS NULL OR end_time >= ?)", clientID, to, from).
		Order("start_time asc").
		Find(&intervals).Error
	return intervals, err
}

func (g *Gorm) DeleteClosedIntervalsWithin(ctx context.Context, clientID string, from, to time.Time) error {
	return g.db.WithContext(ctx).
		Where("client_id = ? AND end_time IS NOT NULL AND start_time >= ? AND end_time <= ?", clientID, from, to).
		Delete(&UptimeInterval{}).Error
}

func (g *Gorm) InsertHeartbeat(ctx context.Context, clientID string, ts time.Time) error {
	return g.db.WithContext(ctx).Create(&Heartbeat{ClientID: clientID, Timestamp: ts}).Error
}

func (g *Gorm) HeartbeatsInWindow(ctx context.Context, clientID string, from, to time.Time) ([]time.Time, error) {
	var rows []Heartbeat
	err := g.db.WithContext(ctx).
		Where("client_id = ? AND timestamp >= ? AND timestamp <= ?", clientID, from, to).
		Order("timestamp asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	stamps := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		stamps = append(stamps, row.Timestamp)
	}
	return stamps, nil
}

func (g *Gorm) PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) error {
	return g.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Heartbeat{}).Error
}

func (g *Gorm) GetAdmin(ctx context.Context, username string) (*Admin, error) {
	var admin Admin
	if err := g.db.WithContext(ctx).Where("username = ?", username).First(&admin).Error; err != nil {
		return nil, translate(err)
	}
	return &admin, nil
}

func (g *Gorm) UpsertAdmin(ctx context.Context, username, passwordHash string) error {
	record := Admin{Username: username, PasswordHash: passwordHash}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash"}),
	}).Create(&record).Error
}

var _ Store = (*Gorm)(nil)
