package bot

import (
	"fmt"
	"strconv"
	"strings"

	"feedlens/internal/builder"
	"feedlens/internal/model"
	"feedlens/internal/service"
)

const dateLayout = "2006-01-02 15:04"

// FormatFeedList formats the owner's feeds for display.
func FormatFeedList(feeds []model.FeedDefinition) string {
	if len(feeds) == 0 {
		return "You have no feeds yet. Use /newfeed <name> to create one."
	}
	var b strings.Builder
	b.WriteString("Your feeds:\n")
	for _, f := range feeds {
		fmt.Fprintf(&b, "\n#%d %s", f.ID, f.Name)
		if f.IsDefault {
			b.WriteString(" [default]")
		}
		b.WriteString("\n")
		if f.Description != "" {
			fmt.Fprintf(&b, "   %s\n", f.Description)
		}
		switch n := len(f.FilterBlocks); n {
		case 0:
			b.WriteString("   people you follow\n")
		case 1:
			b.WriteString("   1 filter block\n")
		default:
			fmt.Fprintf(&b, "   %d filter blocks\n", n)
		}
		if f.NeedsAuthorPrune {
			b.WriteString("   references deleted authors, /edit to clean up\n")
		}
	}
	return b.String()
}

// FormatBlock renders one filter block as a single line.
func FormatBlock(fb model.FilterBlock) string {
	var b strings.Builder
	if fb.Negate {
		b.WriteString("NOT ")
	}
	fmt.Fprintf(&b, "%s %s %s", fb.Kind, fb.Operator, formatValue(fb))
	return b.String()
}

func formatValue(fb model.FilterBlock) string {
	switch v := fb.Value.(type) {
	case model.PostTypeValue:
		return string(v.Kind)
	case model.AuthorSetValue:
		return strings.Join(v.Authors, ", ")
	case model.TagValue:
		return strconv.Quote(v.Tag)
	case model.DateRangeValue:
		switch fb.Operator {
		case model.OpGreaterThan:
			return v.From.Format(dateLayout)
		case model.OpLessThan:
			return v.To.Format(dateLayout)
		}
		return v.From.Format(dateLayout) + ".." + v.To.Format(dateLayout)
	case model.EngagementValue:
		switch fb.Operator {
		case model.OpLessThan:
			return strconv.FormatFloat(v.Max, 'g', -1, 64)
		case model.OpInRange:
			return strconv.FormatFloat(v.Min, 'g', -1, 64) + ".." + strconv.FormatFloat(v.Max, 'g', -1, 64)
		}
		return strconv.FormatFloat(v.Min, 'g', -1, 64)
	case model.RawValue:
		return "(unreadable)"
	}
	return "(none)"
}

// FormatBlocks renders a filter tree as a numbered list with connectives.
func FormatBlocks(blocks []model.FilterBlock) string {
	if len(blocks) == 0 {
		return "No filters: shows posts from people you follow."
	}
	var b strings.Builder
	for i, fb := range blocks {
		fmt.Fprintf(&b, "%d. %s", i+1, FormatBlock(fb))
		if i < len(blocks)-1 {
			conn := fb.Connective
			if conn == "" {
				conn = model.ConnAnd
			}
			fmt.Fprintf(&b, "\n   %s", strings.ToUpper(string(conn)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatFilterList formats the filter tree of a feed.
func FormatFilterList(feed *model.FeedDefinition) string {
	return fmt.Sprintf("Filters for #%d \"%s\" (version %d):\n\n%s", feed.ID, feed.Name, feed.Version, FormatBlocks(feed.FilterBlocks))
}

// FormatEntry formats a corpus entry as one list item.
func FormatEntry(e model.ContentEntry) string {
	var b strings.Builder
	title := e.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(&b, "- %s\n  %s by %s, %s", title, e.Kind, e.AuthorID, e.CreatedAt.Format(dateLayout))
	if len(e.Tags) > 0 {
		fmt.Fprintf(&b, " #%s", strings.Join(e.Tags, " #"))
	}
	if e.Link != "" {
		fmt.Fprintf(&b, "\n  %s", e.Link)
	}
	return b.String()
}

// FormatPage formats one page of a feed.
func FormatPage(feedName string, page model.ResultPage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", feedName)
	if len(page.Items) == 0 {
		if page.Degraded {
			b.WriteString("\nThis feed is slow to evaluate. Use /more to keep looking.")
			return b.String()
		}
		b.WriteString("\nNothing here yet.")
		return b.String()
	}
	for _, e := range page.Items {
		b.WriteString("\n")
		b.WriteString(FormatEntry(e))
		b.WriteString("\n")
	}
	if page.Degraded {
		b.WriteString("\nPartial results: the feed took too long to evaluate.")
	}
	if page.HasMore {
		b.WriteString("\nUse /more for the next page.")
	}
	return b.String()
}

// FormatPreview formats a builder preview with its warnings.
func FormatPreview(p service.Preview) string {
	var b strings.Builder
	b.WriteString(FormatPage("Preview", p.Page))
	if p.PerformanceWarning {
		b.WriteString("\n\nWarning: more than 10 filter blocks may make this feed slow.")
	}
	if p.AuthorPruned() {
		fmt.Fprintf(&b, "\n\nIgnored deleted authors: %s", strings.Join(p.PrunedAuthors, ", "))
	}
	return b.String()
}

// FormatReplay summarizes replayed offline edits. It returns "" when nothing
// was queued.
func FormatReplay(results []builder.ReplayResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Queued edits:")
	for _, r := range results {
		switch {
		case r.Err == nil:
			fmt.Fprintf(&b, "\n- saved #%d \"%s\" (version %d)", r.Feed.ID, r.Feed.Name, r.Feed.Version)
		case r.Draft.Status == model.DraftConflict:
			fmt.Fprintf(&b, "\n- feed #%d changed elsewhere, your blocks were kept as a draft", r.Draft.FeedID)
		default:
			fmt.Fprintf(&b, "\n- feed #%d not saved yet, will retry", r.Draft.FeedID)
		}
	}
	return b.String()
}
