package jobs

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vskavo/hadda-erp-sub001/internal/config"
	"github.com/vskavo/hadda-erp-sub001/internal/serviceiface"
)

// JobsService runs the scheduled back-office chores. Currently one job: a
// daily sweep that reports reconciliations left open past the configured
// age, so stale periods get finalized or voided instead of lingering.
type JobsService struct {
	config   map[string]interface{}
	db       *sql.DB
	cron     *cron.Cron
	staleAge int
	schedule string
}

func NewJobsService(cfg map[string]interface{}, db *sql.DB) serviceiface.Service {
	toInt := func(v interface{}) int {
		switch t := v.(type) {
		case int:
			return t
		case float64:
			return int(t)
		}
		return 0
	}
	staleAge := toInt(cfg["stale_session_days"])
	if staleAge == 0 {
		staleAge = config.DefaultStaleSessionDays
	}
	schedule, _ := cfg["stale_session_schedule"].(string)
	if schedule == "" {
		schedule = config.DefaultStaleSessionSchedule
	}
	return &JobsService{config: cfg, db: db, staleAge: staleAge, schedule: schedule}
}

func (s *JobsService) Name() string {
	return "jobs"
}

func (s *JobsService) Start() error {
	loc, err := time.LoadLocation(config.DefaultTimeZone)
	if err != nil {
		log.Printf("[Jobs] timezone %s unavailable, using local: %v", config.DefaultTimeZone, err)
		loc = time.Local
	}
	s.cron = cron.New(cron.WithLocation(loc))
	if _, err := s.cron.AddFunc(s.schedule, s.reportStaleSessions); err != nil {
		return fmt.Errorf("invalid stale session schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	log.Printf("[Jobs] stale open-session sweep scheduled (%s %s, older than %d days)", s.schedule, loc, s.staleAge)
	return nil
}

func (s *JobsService) Stop() error {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	return nil
}

func (s *JobsService) reportStaleSessions() {
	cutoff := time.Now().AddDate(0, 0, -s.staleAge)
	rows, err := s.db.Query(
		`SELECT reconciliation_id, account_id, opened_by, opened_at
		 FROM bank_reconciliations
		 WHERE status = 'open' AND opened_at < $1
		 ORDER BY opened_at`, cutoff)
	if err != nil {
		log.Println("[Jobs] stale session sweep failed:", err)
		return
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var id, accountID, openedBy string
		var openedAt time.Time
		if err := rows.Scan(&id, &accountID, &openedBy, &openedAt); err != nil {
			log.Println("[Jobs] stale session scan failed:", err)
			return
		}
		count++
		log.Printf("[Jobs] reconciliation %s on account %s open since %s (opened by %s)",
			id, accountID, openedAt.Format("2006-01-02"), openedBy)
	}
	if err := rows.Err(); err != nil {
		log.Println("[Jobs] stale session sweep failed:", err)
		return
	}
	if count == 0 {
		log.Println("[Jobs] no stale open reconciliations")
	}
}
