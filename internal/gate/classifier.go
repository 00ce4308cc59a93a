package gate

import (
	"strings"
)

// RequestKind is what an inbound message asks for while a task is active.
type RequestKind string

const (
	RequestNewTask     RequestKind = "new_task"
	RequestStatusCheck RequestKind = "status_check"
	RequestInterrupt   RequestKind = "interrupt"
	RequestContinue    RequestKind = "continue"
)

// Request is the classified intent of one inbound message.
type Request struct {
	Kind         RequestKind `json:"type"`
	ActiveTaskID string      `json:"active_task_id,omitempty"`
	Prompt       string      `json:"prompt"`
	Reason       string      `json:"reason,omitempty"`
}

// InboundClassifier decides what a message means given the active task.
// Implementations are heuristics; a wrong answer must never corrupt state.
type InboundClassifier interface {
	Classify(text, activeTaskID string) Request
}

// KeywordClassifier matches Portuguese and English keywords.
type KeywordClassifier struct{}

var (
	statusSubjects = []string{"está", "esta ", "is it", "is the task"}
	statusStates   = []string{"travado", "funcionando", "terminando", "stuck", "working", "running", "done yet", "finishing"}
	statusPhrases  = []string{"status", "progress", "progresso", "andamento"}

	interruptWords = []string{"parar", "pare", "cancelar", "cancele", "interromper", "stop", "cancel", "abort", "interrupt"}
	newTaskWords   = []string{"também", "adicional", "além disso", "also", "additionally", "another task", "in addition"}
	continueWords  = []string{"continuar", "continue", "prosseguir", "keep going", "carry on", "go on"}
)

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Classify implements InboundClassifier. Without an active task every
// message is a new task; with one, an unrecognized message is treated as a
// status check so the active task is never disturbed by accident.
func (KeywordClassifier) Classify(text, activeTaskID string) Request {
	req := Request{ActiveTaskID: activeTaskID, Prompt: text}
	if activeTaskID == "" {
		req.Kind = RequestNewTask
		req.Reason = "no active task"
		return req
	}

	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, statusPhrases) ||
		(containsAny(lower, statusSubjects) && containsAny(lower, statusStates)):
		req.Kind = RequestStatusCheck
		req.Reason = "asks about the active task"
	case containsAny(lower, interruptWords):
		req.Kind = RequestInterrupt
		req.Reason = "asks to stop the active task"
	case containsAny(lower, newTaskWords):
		req.Kind = RequestNewTask
		req.Reason = "asks for additional work"
	case containsAny(lower, continueWords):
		req.Kind = RequestContinue
		req.Reason = "asks to keep working"
	default:
		req.Kind = RequestStatusCheck
		req.Reason = "ambiguous while a task is active"
	}
	return req
}

// longRunningKeywords mark work that routinely exceeds the default timeout.
var longRunningKeywords = []string{
	"web scraping", "scraping", "scrape", "navegador", "browser", "headless",
	"download", "upload", "processamento", "processing", "análise completa",
	"full analysis", "pesquisa extensa", "extensive research", "coleta de dados",
	"data collection", "mineração de dados", "data mining",
}

// IsLongRunning reports whether a prompt describes long-running work.
func IsLongRunning(prompt string) bool {
	return containsAny(strings.ToLower(prompt), longRunningKeywords)
}
