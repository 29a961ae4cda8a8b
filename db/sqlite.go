package db

import (
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"sonic-sentinel/models"
	"sonic-sentinel/utils"
)

type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

func createTables(db *sql.DB) error {
	createReportsTable := `
    CREATE TABLE IF NOT EXISTS reports (
        id TEXT PRIMARY KEY,
        band TEXT NOT NULL,
        frequency INTEGER NOT NULL DEFAULT 0,
        description TEXT,
        intensity REAL NOT NULL DEFAULT 0,
        timestamp DATETIME NOT NULL,
        latitude REAL,
        longitude REAL,
        user_id TEXT,
        police_force_email TEXT,
        local_police_station TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON reports(timestamp);
    CREATE INDEX IF NOT EXISTS idx_reports_location ON reports(latitude, longitude);
    `

	createEventsTable := `
    CREATE TABLE IF NOT EXISTS detection_events (
        id TEXT PRIMARY KEY,
        band TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        intensity REAL NOT NULL DEFAULT 0,
        countermeasure_activated INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_detection_events_timestamp ON detection_events(timestamp);
    `

	if _, err := db.Exec(createReportsTable); err != nil {
		return fmt.Errorf("error creating reports table: %w", err)
	}
	if _, err := db.Exec(createEventsTable); err != nil {
		return fmt.Errorf("error creating detection_events table: %w", err)
	}
	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// SaveReport inserts a report, assigning an ID and timestamp if missing.
func (db *SQLiteClient) SaveReport(report models.Report) error {
	if report.ID == "" {
		report.ID = utils.GenerateUniqueID()
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}

	_, err := db.db.Exec(`
		INSERT OR REPLACE INTO reports (
			id, band, frequency, description, intensity, timestamp,
			latitude, longitude, user_id, police_force_email, local_police_station
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		string(report.Band),
		report.FrequencyHz,
		report.Description,
		report.IntensityPercent,
		report.Timestamp.UTC(),
		report.Latitude,
		report.Longitude,
		report.UserID,
		report.PoliceForceEmail,
		report.LocalPoliceStation,
	)
	if err != nil {
		return fmt.Errorf("error storing report: %w", err)
	}
	return nil
}

const reportColumns = `id, band, frequency, description, intensity, timestamp,
	latitude, longitude, user_id, police_force_email, local_police_station`

// ListReports returns the newest reports first. limit <= 0 means all.
func (db *SQLiteClient) ListReports(limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.db.Query(`SELECT `+reportColumns+` FROM reports ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying reports: %w", err)
	}
	defer rows.Close()
	return scanReports(rows)
}

// ListReportsNear returns located reports within roughly radiusKm of a point.
func (db *SQLiteClient) ListReportsNear(lat, lng, radiusKm float64) ([]models.Report, error) {
	// Bounding-box approximation: one degree of latitude is ~111 km.
	rows, err := db.db.Query(`SELECT `+reportColumns+` FROM reports
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		  AND ABS(latitude - ?) < ? AND ABS(longitude - ?) < ?
		ORDER BY timestamp DESC`,
		lat, radiusKm/111.0, lng, radiusKm/(111.0*math.Cos(lat*math.Pi/180.0)))
	if err != nil {
		return nil, fmt.Errorf("error querying reports by location: %w", err)
	}
	defer rows.Close()
	return scanReports(rows)
}

func scanReports(rows *sql.Rows) ([]models.Report, error) {
	reports := []models.Report{}
	for rows.Next() {
		var (
			r                          models.Report
			band                       string
			description, user          sql.NullString
			policeEmail, policeStation sql.NullString
		)
		err := rows.Scan(
			&r.ID,
			&band,
			&r.FrequencyHz,
			&description,
			&r.IntensityPercent,
			&r.Timestamp,
			&r.Latitude,
			&r.Longitude,
			&user,
			&policeEmail,
			&policeStation,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning report: %w", err)
		}
		r.Band = models.Band(band)
		r.Description = description.String
		r.UserID = user.String
		r.PoliceForceEmail = policeEmail.String
		r.LocalPoliceStation = policeStation.String
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (db *SQLiteClient) SaveDetectionEvent(event models.DetectionEvent) error {
	activated := 0
	if event.CountermeasureActivated {
		activated = 1
	}
	_, err := db.db.Exec(`
		INSERT OR IGNORE INTO detection_events (id, band, timestamp, intensity, countermeasure_activated)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, string(event.Band), event.Timestamp.UTC(), event.IntensityPercent, activated,
	)
	if err != nil {
		return fmt.Errorf("error storing detection event: %w", err)
	}
	return nil
}

// ListDetectionEvents returns persisted events newest first. limit <= 0
// means all.
func (db *SQLiteClient) ListDetectionEvents(limit int) ([]models.DetectionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.db.Query(`
		SELECT id, band, timestamp, intensity, countermeasure_activated
		FROM detection_events
		ORDER BY timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying detection events: %w", err)
	}
	defer rows.Close()

	events := []models.DetectionEvent{}
	for rows.Next() {
		var (
			e         models.DetectionEvent
			band      string
			activated int
		)
		if err := rows.Scan(&e.ID, &band, &e.Timestamp, &e.IntensityPercent, &activated); err != nil {
			return nil, fmt.Errorf("error scanning detection event: %w", err)
		}
		e.Band = models.Band(band)
		e.CountermeasureActivated = activated == 1
		events = append(events, e)
	}
	return events, rows.Err()
}
