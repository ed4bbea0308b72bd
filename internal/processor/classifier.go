package processor

import (
	"context"
	"strings"

	"github.com/lu-zhengda/mailsync/internal/domain"
)

// RuleClassifier assigns categories from flags and well-known headers.
type RuleClassifier struct{}

func (RuleClassifier) Classify(_ context.Context, msg *domain.Message) (domain.Category, float64, error) {
	h := msg.Headers
	switch {
	case msg.IsImportant:
		return domain.CategoryPriority, 0.9, nil
	case isUrgent(h["X-Priority"], h["Importance"], h["Priority"]):
		return domain.CategoryPriority, 0.7, nil
	case h["List-Id"] != "" || h["List-Unsubscribe"] != "":
		return domain.CategoryBulk, 0.8, nil
	case isBulkPrecedence(h["Precedence"]) || isAutoSubmitted(h["Auto-Submitted"]):
		return domain.CategoryBulk, 0.6, nil
	default:
		return domain.CategoryPrimary, 0.5, nil
	}
}

func isUrgent(xPriority, importance, priority string) bool {
	if p := strings.TrimSpace(xPriority); p != "" && (p[0] == '1' || p[0] == '2') {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(importance), "high") ||
		strings.EqualFold(strings.TrimSpace(priority), "urgent")
}

func isBulkPrecedence(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "bulk", "list", "junk":
		return true
	}
	return false
}

func isAutoSubmitted(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v != "" && v != "no"
}

// PassthroughPipeline leaves message content untouched.
type PassthroughPipeline struct{}

func (PassthroughPipeline) Prepare(context.Context, *domain.Message) error { return nil }
