// Package fetch implements the fetch scheduler: bounded work lanes, a
// per-host politeness pacer, and the escalating fetch ladder
// HTTP -> rendered browser -> alt text proxy -> give up.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"spechound/internal/browser"
	"spechound/internal/events"
	"spechound/internal/frontier"
	"spechound/internal/logging"
	"spechound/internal/types"
)

// Renderer is the browser rung. Satisfied by *browser.SessionManager.
type Renderer interface {
	FetchRendered(ctx context.Context, url string) (browser.RenderResult, error)
}

// Attempt records one rung of the ladder for a URL.
type Attempt struct {
	Mode       types.FetchMode `json:"mode"`
	StatusCode int             `json:"status_code"`
	Class      ErrorClass      `json:"class,omitempty"`
	Quality    float64         `json:"quality"`
	Err        string          `json:"error,omitempty"`
}

// Result is the outcome of fetching one URL through the ladder.
type Result struct {
	Page       FetchedPage
	Mode       types.FetchMode
	Attempts   []Attempt
	Class      ErrorClass // "" on success
	Skipped    bool
	SkipReason string
}

// Scheduler coordinates lanes, pacing, frontier gating, and the ladder.
type Scheduler struct {
	lanes    *Lanes
	pacer    *hostPacer
	http     *HTTPClient
	renderer Renderer       // nil disables the browser rung
	alt      *AltTextClient // nil disables the proxy rung
	front    *frontier.Frontier
	sink     events.Sink

	urlCap      int
	urlsFetched atomic.Int32
}

// Options wires a scheduler.
type Options struct {
	Lanes       *Lanes
	HTTP        *HTTPClient
	Renderer    Renderer
	AltText     *AltTextClient
	Frontier    *frontier.Frontier
	Sink        events.Sink
	HostDelay   time.Duration
	HostCap     int
	PerRunURLCap int
}

// NewScheduler builds the scheduler.
func NewScheduler(opts Options) *Scheduler {
	sink := opts.Sink
	if sink == nil {
		sink = events.Nop{}
	}
	return &Scheduler{
		lanes:    opts.Lanes,
		pacer:    newHostPacer(opts.HostDelay, opts.HostCap),
		http:     opts.HTTP,
		renderer: opts.Renderer,
		alt:      opts.AltText,
		front:    opts.Frontier,
		sink:     sink,
		urlCap:   opts.PerRunURLCap,
	}
}

// Lanes exposes the lane set for pause/resume and token accounting.
func (s *Scheduler) Lanes() *Lanes { return s.lanes }

// URLsFetched returns how many fetches the scheduler has attempted.
func (s *Scheduler) URLsFetched() int { return int(s.urlsFetched.Load()) }

// BudgetExhausted reports whether the per-run URL cap is spent.
func (s *Scheduler) BudgetExhausted() bool {
	return s.urlCap > 0 && int(s.urlsFetched.Load()) >= s.urlCap
}

// HostBudget reports the frontier budget state and score for a host.
// Without a frontier every host looks clean.
func (s *Scheduler) HostBudget(host string) (string, float64) {
	if s.front == nil {
		return frontier.HostOK, 1
	}
	state, score, err := s.front.HostState(host)
	if err != nil {
		logging.FetchDebug("Host budget read failed for %s: %v", host, err)
		return frontier.HostOK, 1
	}
	return state, score
}

// FetchURL runs one URL through the gate, the pacer, and the ladder.
func (s *Scheduler) FetchURL(ctx context.Context, runID, rawURL string) (Result, error) {
	if s.BudgetExhausted() {
		return Result{Class: ClassBudgetExceeded}, fmt.Errorf("per-run url cap %d exhausted", s.urlCap)
	}

	if s.front != nil {
		skip, reason, err := s.front.ShouldSkip(rawURL)
		if err != nil {
			return Result{}, err
		}
		if skip {
			s.emit(runID, events.SourceFetchSkipped, map[string]interface{}{
				"url": rawURL, "reason": reason,
			})
			switch reason {
			case frontier.ReasonURLCooldown:
				s.emit(runID, events.URLCooldownApplied, map[string]interface{}{"url": rawURL})
			case frontier.ReasonBlockedBudget:
				s.emit(runID, events.BlockedDomainCooldown, map[string]interface{}{
					"url": rawURL, "host": hostOf(rawURL),
				})
			}
			logging.FetchDebug("Skipping %s: %s", rawURL, reason)
			return Result{Skipped: true, SkipReason: reason}, nil
		}
	}

	host := hostOf(rawURL)
	var res Result
	err := s.lanes.Fetch.Do(ctx, func(ctx context.Context) error {
		release, err := s.pacer.acquire(ctx, host)
		if err != nil {
			return err
		}
		defer release()

		s.urlsFetched.Add(1)
		s.emit(runID, events.SourceFetchStarted, map[string]interface{}{"url": rawURL})
		res = s.climb(ctx, rawURL)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.recordOutcome(rawURL, res)
	if res.Class != "" {
		s.emit(runID, events.SourceFetchFailed, map[string]interface{}{
			"url": rawURL, "class": string(res.Class), "attempts": len(res.Attempts),
		})
	}
	return res, nil
}

// climb walks the ladder until a rung yields a usable page.
func (s *Scheduler) climb(ctx context.Context, rawURL string) Result {
	var res Result

	page, att := s.tryHTTP(ctx, rawURL)
	res.Attempts = append(res.Attempts, att)
	if att.Class == "" {
		res.Page, res.Mode = page, types.FetchHTTP
		return res
	}
	// A dead URL is definitive: no rendering will resurrect a 404.
	if !att.Class.Escalates() {
		res.Class = att.Class
		return res
	}

	if s.renderer != nil {
		page, att = s.tryBrowser(ctx, rawURL)
		res.Attempts = append(res.Attempts, att)
		if att.Class == "" {
			res.Page, res.Mode = page, types.FetchBrowser
			return res
		}
		if !att.Class.Escalates() {
			res.Class = att.Class
			return res
		}
	}

	if s.alt != nil {
		page, att = s.tryAlt(ctx, rawURL)
		res.Attempts = append(res.Attempts, att)
		if att.Class == "" {
			res.Page, res.Mode = page, types.FetchAltText
			return res
		}
	}

	res.Class = res.Attempts[len(res.Attempts)-1].Class
	return res
}

func (s *Scheduler) tryHTTP(ctx context.Context, rawURL string) (FetchedPage, Attempt) {
	page, err := s.http.Fetch(ctx, rawURL)
	if err != nil {
		return FetchedPage{}, Attempt{Mode: types.FetchHTTP, Class: ClassTransient, Err: err.Error()}
	}
	att := Attempt{Mode: types.FetchHTTP, StatusCode: page.StatusCode}
	att.Class = classifyStatus(page.StatusCode)
	if att.Class == "" {
		att.Quality = QualityScore(page.Body, page.ContentType)
		if att.Quality < EscalationThreshold {
			att.Class = ClassParseFailed
			logging.FetchDebug("Low quality body from %s (%.2f), escalating", rawURL, att.Quality)
		}
	}
	return page, att
}

func (s *Scheduler) tryBrowser(ctx context.Context, rawURL string) (FetchedPage, Attempt) {
	r, err := s.renderer.FetchRendered(ctx, rawURL)
	if err != nil {
		return FetchedPage{}, Attempt{Mode: types.FetchBrowser, Class: ClassTransient, Err: err.Error()}
	}
	att := Attempt{Mode: types.FetchBrowser, StatusCode: r.StatusCode}
	if cls := classifyStatus(r.StatusCode); cls != "" && r.StatusCode != 0 {
		att.Class = cls
		return FetchedPage{}, att
	}
	body := []byte(r.HTML)
	att.Quality = QualityScore(body, "text/html")
	if att.Quality < EscalationThreshold {
		att.Class = ClassParseFailed
		return FetchedPage{}, att
	}
	return FetchedPage{Body: body, FinalURL: r.FinalURL, ContentType: "text/html", StatusCode: r.StatusCode}, att
}

func (s *Scheduler) tryAlt(ctx context.Context, rawURL string) (FetchedPage, Attempt) {
	page, err := s.alt.Fetch(ctx, rawURL)
	if err != nil {
		return FetchedPage{}, Attempt{Mode: types.FetchAltText, Class: ClassTransient, Err: err.Error()}
	}
	att := Attempt{Mode: types.FetchAltText, StatusCode: page.StatusCode}
	att.Class = classifyStatus(page.StatusCode)
	if att.Class == "" {
		att.Quality = QualityScore(page.Body, page.ContentType)
		if att.Quality < EscalationThreshold {
			att.Class = ClassParseFailed
		}
	}
	return page, att
}

// recordOutcome reports the final ladder verdict to the frontier.
func (s *Scheduler) recordOutcome(rawURL string, res Result) {
	if s.front == nil || res.Skipped {
		return
	}
	status := 0
	if len(res.Attempts) > 0 {
		status = res.Attempts[len(res.Attempts)-1].StatusCode
	}
	outcome := frontier.OutcomeOK
	switch res.Class {
	case "":
		outcome = frontier.OutcomeOK
	case ClassDeadURL:
		outcome = frontier.OutcomeDead
	case ClassBlocked:
		outcome = frontier.OutcomeDenied
	case ClassParseFailed:
		outcome = frontier.OutcomeParseFailed
	default:
		outcome = frontier.OutcomeTransient
	}
	if err := s.front.RecordFetch(rawURL, status, outcome); err != nil {
		logging.FetchDebug("Failed to record fetch outcome for %s: %v", rawURL, err)
	}
}

func (s *Scheduler) emit(runID, name string, payload map[string]interface{}) {
	s.sink.Emit(events.Event{
		RunID:   runID,
		TS:      time.Now().UTC(),
		Stage:   events.StageFetch,
		Name:    name,
		Payload: payload,
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
