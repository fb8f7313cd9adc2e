package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// GameRecord is the durable summary of a finished game, written once at
// game_over. Role assignments only ever reach the database here, after
// secrecy stops mattering.
type GameRecord struct {
	LobbyCode  string
	Winner     Alignment
	Roles      map[string]string    // username -> role display name
	Alignments map[string]Alignment // username -> side
	Outcomes   [missionCount]*MissionOutcome
}

// buildRecord snapshots a lobby for the stats sink. Called under the lobby
// lock.
func buildRecord(l *Lobby, winner Alignment) GameRecord {
	roles := make(map[string]string, len(l.Players))
	alignments := make(map[string]Alignment, len(l.Players))
	for name, p := range l.Players {
		roles[name] = p.Roles.Name()
		alignments[name] = p.Roles.Alignment()
	}
	return GameRecord{
		LobbyCode:  l.Code,
		Winner:     winner,
		Roles:      roles,
		Alignments: alignments,
		Outcomes:   l.State.Outcomes,
	}
}

// summaryLines renders the record as prose lines for the narrator prompt.
func (r GameRecord) summaryLines() []string {
	lines := []string{fmt.Sprintf("The %s side won.", r.Winner)}
	for name, role := range r.Roles {
		lines = append(lines, fmt.Sprintf("%s played %s.", name, role))
	}
	for i, o := range r.Outcomes {
		if o == nil {
			continue
		}
		if o.Pass {
			lines = append(lines, fmt.Sprintf("Quest %d succeeded.", i+1))
		} else {
			lines = append(lines, fmt.Sprintf("Quest %d failed with %d fail cards.", i+1, o.NumFails))
		}
	}
	return lines
}

// ResultSink receives finished-game records. The flow controller treats a
// nil sink as stats-disabled.
type ResultSink interface {
	RecordResult(record GameRecord) error
}

// StatsStore is the sqlite-backed ResultSink.
type StatsStore struct {
	db *sqlx.DB
}

func newStatsStore(db *sqlx.DB) *StatsStore {
	return &StatsStore{db: db}
}

// RecordResult appends one row per finished game. Roles and outcomes are
// stored as JSON blobs: they are read back whole for history pages, never
// queried by field.
func (s *StatsStore) RecordResult(record GameRecord) error {
	rolesJSON, err := json.Marshal(record.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	alignmentsJSON, err := json.Marshal(record.Alignments)
	if err != nil {
		return fmt.Errorf("marshal alignments: %w", err)
	}
	outcomesJSON, err := json.Marshal(record.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO game_result (lobby_code, winner, roles, alignments, outcomes, finished_at) VALUES (?, ?, ?, ?, ?, ?)",
		record.LobbyCode, string(record.Winner), string(rolesJSON), string(alignmentsJSON), string(outcomesJSON),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert game_result: %w", err)
	}
	LogDBState("after game result: " + record.LobbyCode)
	return nil
}

// openDB connects to the sqlite database and applies the schema.
func openDB(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_synchronous=NORMAL&_txlock=deferred", path))
	if err != nil {
		return nil, err
	}
	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func initDB(db *sqlx.DB) error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS account (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		secret_code TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session (
		token TEXT PRIMARY KEY,
		account_id INTEGER NOT NULL REFERENCES account(id)
	);
	CREATE TABLE IF NOT EXISTS game_result (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lobby_code TEXT NOT NULL,
		winner TEXT NOT NULL,
		roles TEXT NOT NULL,
		alignments TEXT NOT NULL,
		outcomes TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}
