package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Auditor runs the per-project pipeline: resolve the project, scan its
// folder, score the findings, optionally narrate them, persist the record,
// and notify the messaging sink.
type Auditor struct {
	cfg        Config
	db         *sql.DB
	table      *PatternTable
	cache      *ClassificationCache
	classifier *DocumentClassifier
	narrative  *NarrativeAnalyzer
	notifier   Notifier
}

func NewAuditor(cfg Config, db *sql.DB, table *PatternTable, cache *ClassificationCache, narrative *NarrativeAnalyzer, notifier Notifier) *Auditor {
	classifier := NewDocumentClassifier(table, cache)
	classifier.MaxDepth = cfg.MaxDepth
	classifier.MatchCap = cfg.MatchCap
	classifier.MaxSubdirs = cfg.MaxSubdirs
	return &Auditor{
		cfg:        cfg,
		db:         db,
		table:      table,
		cache:      cache,
		classifier: classifier,
		narrative:  narrative,
		notifier:   notifier,
	}
}

// Audit runs one project through the pipeline. A project absent from the
// registries, or without a folder on disk, still yields a complete low-scoring
// record. Only a persistence failure is a hard error: an un-persisted audit
// has no durable value. The returned record is valid even when err != nil.
func (a *Auditor) Audit(ctx context.Context, projectID, deptCode string, withNarrative bool) (*AuditRecord, error) {
	meta, err := ResolveProject(a.db, a.cfg, projectID, deptCode)
	if err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", projectID, err)
	}
	log.Printf("audit start project=%s dept=%s root=%q", meta.ProjectID, meta.DepartmentCode, meta.RootPath)

	rec := &AuditRecord{
		ProjectID:      meta.ProjectID,
		DepartmentCode: meta.DepartmentCode,
		DepartmentName: meta.DepartmentName,
		ProjectName:    meta.ProjectName,
		Status:         meta.Status,
		ContractorRole: meta.ContractorRole,
		RootPath:       meta.RootPath,
	}

	scanStart := time.Now()
	rec.Categories = a.classifier.SearchAllCategories(ctx, meta.RootPath)
	rec.Performance.ScanMillis = time.Since(scanStart).Milliseconds()

	rec.RiskScore = ScoreRisk(rec.MissingCategories(), rec.Status, rec.ContractorRole)

	if withNarrative {
		narrativeStart := time.Now()
		text, nerr := a.narrative.Analyze(ctx, rec)
		rec.Performance.NarrativeMillis = time.Since(narrativeStart).Milliseconds()
		if nerr != nil {
			// Non-fatal: record the failure text instead of the narrative.
			log.Printf("audit narrative degraded project=%s err=%v", rec.ProjectID, nerr)
			rec.Narrative = fmt.Sprintf("narrative unavailable: %v", nerr)
		} else {
			rec.Narrative = text
		}
	}

	rec.GeneratedAt = time.Now()

	persistStart := time.Now()
	path, perr := a.persist(rec)
	rec.Performance.PersistMillis = time.Since(persistStart).Milliseconds()
	if perr != nil {
		return rec, fmt.Errorf("persist audit %s: %w", rec.ProjectID, perr)
	}
	log.Printf("audit persisted project=%s path=%s scan_ms=%d score=%d", rec.ProjectID, path, rec.Performance.ScanMillis, rec.RiskScore)

	if err := a.notifier.Notify(ctx, FormatAuditMessage(rec, a.table)); err != nil {
		log.Printf("audit notify error project=%s err=%v", rec.ProjectID, err)
	}

	return rec, nil
}

// persist writes the record as one JSON document per (department, project)
// pair, overwriting any previous audit of the same pair.
func (a *Auditor) persist(rec *AuditRecord) (string, error) {
	if err := os.MkdirAll(a.cfg.ResultsDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(a.cfg.ResultsDir, AuditFileName(rec.DepartmentCode, rec.ProjectID))
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0644)
}

// AuditFileName is the canonical per-pair result filename.
func AuditFileName(departmentCode, projectID string) string {
	return fmt.Sprintf("audit_%s_%s.json", departmentCode, projectID)
}

// BatchSummary tallies one batch run.
type BatchSummary struct {
	Succeeded int
	Failed    int
	Failures  []string // "projectID: reason"
}

func (s BatchSummary) String() string {
	msg := fmt.Sprintf("%d succeeded, %d failed", s.Succeeded, s.Failed)
	for _, f := range s.Failures {
		msg += "\n- " + f
	}
	return msg
}

// AuditBatch audits each target in order with a small delay between items to
// respect external rate limits. A failed project is recorded and the batch
// moves on; cancellation is honored between projects, never mid-audit.
func (a *Auditor) AuditBatch(ctx context.Context, targets []AuditTarget, withNarrative bool) BatchSummary {
	var summary BatchSummary
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			log.Printf("batch interrupted after %d/%d projects: %v", i, len(targets), err)
			break
		}
		if i > 0 && a.cfg.BatchDelay > 0 {
			time.Sleep(a.cfg.BatchDelay)
		}
		if _, err := a.Audit(ctx, target.ProjectID, target.DepartmentCode, withNarrative); err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, fmt.Sprintf("%s: %v", target.ProjectID, err))
			log.Printf("batch audit failed project=%s err=%v", target.ProjectID, err)
			continue
		}
		summary.Succeeded++
	}
	log.Printf("batch complete succeeded=%d failed=%d", summary.Succeeded, summary.Failed)
	return summary
}

// ClearCaches resets the classification and narrative caches between
// independent batches.
func (a *Auditor) ClearCaches() {
	a.cache.Clear()
	if a.narrative != nil {
		a.narrative.ClearCache()
	}
	log.Println("caches cleared")
}
