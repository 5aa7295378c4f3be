// internal/browser/attempt.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/valpere/crawlguard/internal/antidetect"
	"github.com/valpere/crawlguard/internal/utils"
)

var navLogger = utils.NewComponentLogger("navigator")

// fetchFunc performs the transport-level request and returns the status
// code and body.
type fetchFunc func(ctx context.Context) (status int, body string, err error)

// attempt wraps a fetch with pacing, an explicit timeout and block
// detection. It is shared by every navigator implementation so outcome
// classification is identical regardless of transport.
func attempt(ctx context.Context, site, target string, config Config, pacer *antidetect.Pacer, fetch fetchFunc) Page {
	page := Page{URL: target}

	if pacer != nil {
		if err := pacer.BeforeLoad(ctx, site); err != nil {
			page.Outcome = OutcomeTimeout
			page.Reason = fmt.Sprintf("cancelled before load: %v", err)
			return page
		}
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	status, body, err := fetch(fetchCtx)
	page.Latency = time.Since(start)
	cancel()

	page.Status = status
	page.Bytes = len(body)

	if err != nil {
		page.Outcome, page.Reason = classifyTransportError(err)
		navLogger.WithFields(map[string]interface{}{
			"site":    site,
			"url":     target,
			"outcome": page.Outcome,
		}).Debugf("navigation failed: %v", err)
		return page
	}

	if pacer != nil {
		if err := pacer.AfterLoad(ctx); err != nil {
			page.Outcome = OutcomeTimeout
			page.Reason = fmt.Sprintf("cancelled after load: %v", err)
			return page
		}
	}

	if signal := antidetect.DetectBlock(status, body); signal.Blocked {
		page.Outcome = OutcomeBlocked
		page.Reason = signal.Reason
		page.RateLimited = signal.RateLimited
		navLogger.WithFields(map[string]interface{}{
			"site":   site,
			"url":    target,
			"status": status,
		}).Warnf("blocking detected: %s", signal.Reason)
		return page
	}

	if reason := missingStructure(body, config.RequiredMarkers); reason != "" {
		page.Outcome = OutcomeBlocked
		page.Reason = reason
		return page
	}

	page.Content = body
	page.Outcome = OutcomeOK
	return page
}

func classifyTransportError(err error) (Outcome, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return OutcomeTimeout, "navigation timeout: " + err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout, "navigation timeout: " + err.Error()
	}
	return OutcomeNetworkError, "network error: " + err.Error()
}

// missingStructure returns a reason when the document has no visible
// content or lacks a required marker.
func missingStructure(body string, markers []string) string {
	if strings.TrimSpace(body) == "" {
		return "empty response body"
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "unparseable document: " + err.Error()
	}

	bodySel := doc.Find("body")
	if bodySel.Children().Length() == 0 && strings.TrimSpace(bodySel.Text()) == "" {
		return "document has no body content"
	}

	for _, marker := range markers {
		if doc.Find(marker).Length() == 0 {
			return "missing structural marker " + marker
		}
	}
	return ""
}
