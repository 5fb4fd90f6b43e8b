package workflow

import "github.com/kiranshivaraju/csvforge/pkg/models"

const (
	testerFailureSuggestion = "Tester phase failed - check script syntax and dependencies"
	testerFailureDetails    = "Tester phase failed to execute"
)

// deriveFeedback turns a failed cycle into the feedback for the next one.
// test is the tester's result when it produced one.
func deriveFeedback(perr *PhaseError, test *models.TestResult) []models.Feedback {
	cause := perr.Err.Error()
	switch perr.Kind {
	case KindPlanning:
		return []models.Feedback{{
			IssueType:    models.IssuePlanningError,
			Suggestion:   "Planning failed: " + cause,
			ErrorDetails: cause,
		}}
	case KindGeneration:
		return []models.Feedback{{
			IssueType:    models.IssueGenerationError,
			Suggestion:   "Code generation failed: " + cause,
			ErrorDetails: cause,
		}}
	case KindExecution, KindTimeout:
		fb := []models.Feedback{{
			IssueType:    models.IssueExecutionError,
			Suggestion:   "Fix script execution error: " + cause,
			ErrorDetails: cause,
		}}
		if test != nil {
			fb = append(fb, test.FeedbackForCoder...)
		}
		return fb
	case KindValidation:
		if test == nil || test.Comparison == nil {
			return nil
		}
		if len(test.Comparison.FeedbackForCoder) > 0 {
			return append([]models.Feedback(nil), test.Comparison.FeedbackForCoder...)
		}
		fb := make([]models.Feedback, 0, len(test.Comparison.Suggestions))
		for _, s := range test.Comparison.Suggestions {
			fb = append(fb, models.Feedback{IssueType: models.IssueValidationMismatch, Suggestion: s})
		}
		return fb
	default:
		return []models.Feedback{{
			IssueType:    models.IssueTesterFailure,
			Suggestion:   testerFailureSuggestion,
			ErrorDetails: testerFailureDetails,
		}}
	}
}
