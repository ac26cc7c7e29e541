package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/PuerkitoBio/goquery"
)

// Probe checks that a posting can be applied to: the page loads, has a
// form and shows none of the blocker markers.
type Probe struct {
	client    *http.Client
	userAgent string
	blockers  []string
}

func NewProbe(cfg model.Probe, client *http.Client) Probe {
	blockers := make([]string, 0, len(cfg.Blockers))
	for _, b := range cfg.Blockers {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			blockers = append(blockers, b)
		}
	}
	return Probe{client: client, userAgent: cfg.UserAgent, blockers: blockers}
}

// maxPageSize bounds how much of a posting is parsed.
const maxPageSize = 5 << 20

type probeExtra struct {
	Title      string `json:"title,omitempty"`
	StatusCode int    `json:"status_code"`
	Forms      int    `json:"forms"`
}

func (p Probe) Execute(ctx context.Context, job model.Job, _ model.RunConfig, logger *slog.Logger) (model.Details, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.Target, nil)
	if err != nil {
		return model.Details{}, fmt.Errorf("creating request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return model.Details{}, fmt.Errorf("fetching posting: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	logger.DebugContext(ctx, "posting fetched", "status", resp.StatusCode, "final_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return model.Details{
			Classification: model.ClassBlocked,
			BlockerType:    "expired_job",
			Reason:         fmt.Sprintf("posting returned HTTP %d", resp.StatusCode),
		}, nil
	case resp.StatusCode >= 400:
		return model.Details{}, fmt.Errorf("posting returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return model.Details{}, fmt.Errorf("parsing posting: %w", err)
	}
	extra := probeExtra{
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		StatusCode: resp.StatusCode,
		Forms:      doc.Find("form").Length(),
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return model.Details{}, err
	}
	d := model.Details{Classification: model.ClassSuccess, Extra: raw}

	text := strings.ToLower(doc.Find("body").Text())
	for _, marker := range p.blockers {
		if strings.Contains(text, marker) {
			d.Classification = model.ClassBlocked
			d.BlockerType = strings.ReplaceAll(marker, " ", "_")
			d.Reason = fmt.Sprintf("page contains %q", marker)
			logger.InfoContext(ctx, "blocker detected", "marker", marker)
			return d, nil
		}
	}
	if extra.Forms == 0 {
		d.Classification = model.ClassFailed
		d.Reason = "no application form found"
	}
	return d, nil
}
