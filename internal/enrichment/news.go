package enrichment

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mmcdole/gofeed"

	"github.com/agencyos/dispatch/internal/domain"
)

// Maximum headlines folded into a lead's news signals per refresh.
const maxNewsSignals = 5

// NewsSupplement pulls recent company headlines from a news feed and
// folds them into the lead's firmographics as personalization signals.
// Best-effort: a feed failure never fails the waterfall.
type NewsSupplement struct {
	parser  *gofeed.Parser
	feedURL string // format string receiving the url-escaped company name
}

// NewNewsSupplement creates a supplement against a feed search endpoint,
// e.g. "https://news.google.com/rss/search?q=%s".
func NewNewsSupplement(feedURL string) *NewsSupplement {
	return &NewsSupplement{parser: gofeed.NewParser(), feedURL: feedURL}
}

// Apply fetches headlines for the lead's company and appends up to
// maxNewsSignals of them to the firmographics.
func (n *NewsSupplement) Apply(ctx context.Context, lead *domain.Lead) error {
	company := lead.Firmographics.CompanyName
	if company == "" {
		return nil
	}

	feed, err := n.parser.ParseURLWithContext(fmt.Sprintf(n.feedURL, url.QueryEscape(company)), ctx)
	if err != nil {
		return fmt.Errorf("news feed for %s: %w", company, err)
	}

	var signals []string
	for _, item := range feed.Items {
		if item.Title == "" {
			continue
		}
		signals = append(signals, item.Title)
		if len(signals) >= maxNewsSignals {
			break
		}
	}
	if len(signals) > 0 {
		lead.Firmographics.NewsSignals = signals
	}
	return nil
}
