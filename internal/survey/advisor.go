package survey

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/resilience"
	"github.com/overstory-labs/terrascout/pkg/anthropic"
)

// AdvicePlaceholder marks a shortlist record whose advisory request failed
// terminally. The record keeps its rank; only the advice column carries
// the placeholder.
const AdvicePlaceholder = "<error>"

// AdvisorConfig tunes the advisory review of the shortlist.
type AdvisorConfig struct {
	Model     string
	MaxTokens int64
	// Region names the broader geography in the prompt framing.
	Region string
	Retry  resilience.RetryConfig
}

func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Region:    "Amazon",
		Retry:     resilience.DefaultRetryConfig(),
	}
}

// Advisor asks a language model to assess each shortlisted site from its
// metrics. The client is injected so the orchestration layer constructs it
// once and tests can substitute a mock.
type Advisor struct {
	client anthropic.Client
	cfg    AdvisorConfig
	log    *zap.Logger
}

func NewAdvisor(client anthropic.Client, cfg AdvisorConfig) *Advisor {
	def := DefaultAdvisorConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Region == "" {
		cfg.Region = def.Region
	}
	return &Advisor{client: client, cfg: cfg, log: zap.L().Named("advisor")}
}

// systemPrompt is the shared framing for every site in a review. It is
// sent as a cached system block so a shortlist pays for it once.
func (a *Advisor) systemPrompt() string {
	return fmt.Sprintf(`You are an expert in archaeology and remote sensing. Based on the metrics given for a site within the %s region, evaluate its potential as an archaeological site.

Please:
  1. Provide your reasoning based on elevation, NDVI, and compactness.
  2. Rate the site's archaeological potential on a scale of 1 to 10 (1 = very unlikely, 10 = highly likely).
  3. Give a brief summary of key considerations.`, a.cfg.Region)
}

// sitePrompt describes one site. The position is 1-based rank order in
// the shortlist, which is how reviewers refer to sites afterwards.
func (a *Advisor) sitePrompt(position int, rec ScoredRecord) string {
	return fmt.Sprintf("Site %d:\n  - Mean NDVI: %.3f\n  - Mean Elevation: %.1f m\n  - Compactness: %.3f",
		position, rec.Props[PropMeanNDVI], rec.Props[PropMeanElev], rec.Props[PropCompactness])
}

// Advise reviews the shortlist one site at a time. Transient API failures
// are retried with backoff; a terminal failure records the placeholder for
// that site and moves on. Only context cancellation aborts the review.
func (a *Advisor) Advise(ctx context.Context, records []ScoredRecord) ([]ScoredRecord, error) {
	if len(records) == 0 {
		a.log.Warn("no sites to advise")
		return nil, nil
	}
	a.log.Info("starting advisory review",
		zap.Int("sites", len(records)),
		zap.String("model", a.cfg.Model))

	system := anthropic.BuildCachedSystemBlocks(a.systemPrompt())
	out := make([]ScoredRecord, len(records))
	var usage anthropic.TokenUsage

	for i, rec := range records {
		advised := rec
		resp, err := a.adviseOne(ctx, system, i+1, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "advisor: review canceled")
			}
			a.log.Error("advisory request failed, recording placeholder",
				zap.Int("site", i+1),
				zap.Error(err))
			advised.Advice = AdvicePlaceholder
			advised.Rating = 0
		} else {
			text := strings.TrimSpace(resp.Text())
			advised.Advice = text
			advised.Rating = ParseRating(text)
			usage.Add(resp.Usage)
		}
		out[i] = advised
		a.log.Info("site advice received",
			zap.Int("site", i+1),
			zap.Int("rating", advised.Rating))
	}

	usage.LogCost(a.cfg.Model, "advise")
	return out, nil
}

func (a *Advisor) adviseOne(ctx context.Context, system []anthropic.SystemBlock, position int, rec ScoredRecord) (*anthropic.MessageResponse, error) {
	req := anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: a.sitePrompt(position, rec)}},
	}

	retry := a.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := a.client.CreateMessage(ctx, req)
		if err != nil {
			if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, err
		}
		return resp, nil
	})
}

// AdviseBatch reviews the shortlist through the batch API: one primer
// request warms the prompt cache, then all sites go out in a single batch.
// Sites whose batch item errored or expired get the placeholder.
func (a *Advisor) AdviseBatch(ctx context.Context, records []ScoredRecord) ([]ScoredRecord, error) {
	if len(records) == 0 {
		a.log.Warn("no sites to advise")
		return nil, nil
	}
	a.log.Info("starting batch advisory review",
		zap.Int("sites", len(records)),
		zap.String("model", a.cfg.Model))

	system := anthropic.BuildCachedSystemBlocks(a.systemPrompt())

	primer := anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: 16,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: "Reply with OK."}},
	}
	if resp, err := anthropic.PrimerRequest(ctx, a.client, primer); err != nil {
		a.log.Warn("cache primer failed, submitting batch cold", zap.Error(err))
	} else {
		resp.Usage.LogCost(a.cfg.Model, "advise_primer")
	}

	items := make([]anthropic.BatchRequestItem, len(records))
	for i, rec := range records {
		items[i] = anthropic.BatchRequestItem{
			CustomID: siteCustomID(i + 1),
			Params: anthropic.MessageRequest{
				Model:     a.cfg.Model,
				MaxTokens: a.cfg.MaxTokens,
				System:    system,
				Messages:  []anthropic.Message{{Role: "user", Content: a.sitePrompt(i+1, rec)}},
			},
		}
	}

	batch, err := a.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: items})
	if err != nil {
		return nil, eris.Wrap(err, "advisor: create batch")
	}
	a.log.Info("submitted advisory batch",
		zap.String("batch_id", batch.ID),
		zap.Int("sites", len(items)))

	final, err := anthropic.PollBatch(ctx, a.client, batch.ID)
	if err != nil {
		// An expired batch can still hold partial results; anything else
		// is fatal.
		if final == nil || final.ProcessingStatus != "expired" {
			return nil, eris.Wrap(err, "advisor: poll batch")
		}
		a.log.Warn("advisory batch expired, collecting partial results",
			zap.String("batch_id", batch.ID))
	}

	iter, err := a.client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, eris.Wrap(err, "advisor: fetch batch results")
	}
	collected, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, eris.Wrap(err, "advisor: collect batch results")
	}

	out := make([]ScoredRecord, len(records))
	var usage anthropic.TokenUsage
	for i, rec := range records {
		advised := rec
		if msg, ok := collected.Succeeded[siteCustomID(i+1)]; ok {
			text := strings.TrimSpace(msg.Text())
			advised.Advice = text
			advised.Rating = ParseRating(text)
			usage.Add(msg.Usage)
		} else {
			advised.Advice = AdvicePlaceholder
			advised.Rating = 0
		}
		out[i] = advised
	}

	usage.LogCost(a.cfg.Model, "advise_batch")
	return out, nil
}

func siteCustomID(position int) string {
	return fmt.Sprintf("site-%d", position)
}

var (
	ratingOutOf  = regexp.MustCompile(`(?i)\b(10|[1-9])\s*(?:/|out of)\s*10\b`)
	ratingDirect = regexp.MustCompile(`(?i)\brat(?:e|ed|ing)[^0-9]{0,20}(10|[1-9])\b`)
	ratingBare   = regexp.MustCompile(`\b(10|[1-9])\b`)
)

// ParseRating pulls the 1-10 rating out of advisory text. It prefers an
// explicit "N/10" or "N out of 10", then a number near a "rate" verb, then
// the first standalone number in range. Returns 0 when nothing matches.
func ParseRating(advice string) int {
	for _, re := range []*regexp.Regexp{ratingOutOf, ratingDirect, ratingBare} {
		if m := re.FindStringSubmatch(advice); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n
			}
		}
	}
	return 0
}
