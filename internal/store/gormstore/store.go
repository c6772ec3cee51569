package gormstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"safegate/internal/escalation"
	"safegate/internal/risk"
	"safegate/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const ledgerRowID = 1

// GormStore persists the risk ledger, breaker transition history and
// escalation records using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("state store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.LedgerStateModel{},
		&model.BreakerTransitionModel{},
		&model.EscalationModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveLedger upserts the single durable ledger row.
func (s *GormStore) SaveLedger(snap risk.Snapshot) error {
	openRisk, err := json.Marshal(snap.OpenPositionRisk)
	if err != nil {
		return err
	}
	row := model.LedgerStateModel{
		ID:                ledgerRowID,
		DailyPnL:          snap.DailyPnL,
		PeakEquity:        snap.PeakEquity,
		CurrentEquity:     snap.CurrentEquity,
		ConsecutiveLosses: snap.ConsecutiveLosses,
		OpenPositionRisk:  datatypes.JSON(openRisk),
		TradeCount:        snap.TradeCount,
		WinCount:          snap.WinCount,
		State:             snap.State.String(),
		TrialOutstanding:  snap.TrialOutstanding,
		UpdatedAtUnix:     time.Now().Unix(),
	}
	return s.db.Save(&row).Error
}

// LoadLedger returns the persisted ledger, reporting whether one exists.
func (s *GormStore) LoadLedger() (risk.Snapshot, bool, error) {
	var row model.LedgerStateModel
	err := s.db.First(&row, ledgerRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return risk.Snapshot{}, false, nil
	}
	if err != nil {
		return risk.Snapshot{}, false, err
	}
	snap := risk.Snapshot{
		DailyPnL:          row.DailyPnL,
		PeakEquity:        row.PeakEquity,
		CurrentEquity:     row.CurrentEquity,
		ConsecutiveLosses: row.ConsecutiveLosses,
		TradeCount:        row.TradeCount,
		WinCount:          row.WinCount,
		TrialOutstanding:  row.TrialOutstanding,
	}
	snap.State = parseState(row.State)
	if len(row.OpenPositionRisk) > 0 {
		if err := json.Unmarshal(row.OpenPositionRisk, &snap.OpenPositionRisk); err != nil {
			return risk.Snapshot{}, false, fmt.Errorf("decoding open position risk failed: %w", err)
		}
	}
	if snap.OpenPositionRisk == nil {
		snap.OpenPositionRisk = make(map[string]float64)
	}
	return snap, true, nil
}

// AppendTransition adds one row to the breaker audit history.
func (s *GormStore) AppendTransition(tr risk.Transition) error {
	row := model.BreakerTransitionModel{
		AtUnix:    tr.At.Unix(),
		FromState: tr.From.String(),
		ToState:   tr.To.String(),
		Reason:    tr.Reason,
	}
	return s.db.Create(&row).Error
}

// Transitions lists the most recent breaker moves, newest first.
func (s *GormStore) Transitions(limit int) ([]risk.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.BreakerTransitionModel
	if err := s.db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]risk.Transition, 0, len(rows))
	for _, row := range rows {
		out = append(out, risk.Transition{
			At:     time.Unix(row.AtUnix, 0),
			From:   parseState(row.FromState),
			To:     parseState(row.ToState),
			Reason: row.Reason,
		})
	}
	return out, nil
}

func parseState(name string) risk.State {
	switch name {
	case "OPEN":
		return risk.StateOpen
	case "HALF_OPEN":
		return risk.StateHalfOpen
	default:
		return risk.StateClosed
	}
}

// SaveEscalation records one resolved escalation request.
func (s *GormStore) SaveEscalation(rec escalation.Record) error {
	ctxJSON, err := json.Marshal(rec.Request.Context)
	if err != nil {
		return err
	}
	row := model.EscalationModel{
		ID:             rec.Request.ID,
		Reason:         rec.Request.Reason,
		Context:        datatypes.JSON(ctxJSON),
		Status:         string(rec.Status),
		CreatedAtUnix:  rec.Request.CreatedAt.Unix(),
		ResolvedAtUnix: rec.ResolvedAt.Unix(),
		TimeoutSecs:    int64(rec.Request.Timeout / time.Second),
	}
	if rec.Decision != nil {
		row.Approved = rec.Decision.Approved
		row.DecisionReason = rec.Decision.Reasoning
	}
	return s.db.Save(&row).Error
}
