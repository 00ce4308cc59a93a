package orchestrator

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/andywolf/taskflow/internal/task"
)

// Task subtypes reported by KeywordClassifier.
const (
	SubtypeComposite = "composite"
	SubtypeImage     = "image_generation"
	SubtypeText      = "text_generation"
	SubtypeAudio     = "audio"
)

// Classification is what a prompt asks for.
type Classification struct {
	Kind       task.Kind      `json:"type"`
	Subtype    string         `json:"subtype,omitempty"`
	Confidence float64        `json:"confidence"`
	Params     map[string]any `json:"parameters,omitempty"`
}

// Classifier decides whether a prompt is a conversation or a task.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (Classification, error)
}

var (
	conversationWords = []string{"hello", " hi ", "how are you", "what's up", "tell me", "explain", "joke", "olá", " oi ", "tudo bem"}
	compositeWords    = []string{" first ", " then ", " finally ", " after that ", " primeiro ", " depois ", " por fim "}
	imageWords        = []string{"image", "picture", "photo", "artwork", "illustration", "draw", "render", "imagem", "desenhe"}
	textWords         = []string{"write", "compose", "draft", "story", "essay", "article", "escreva", "texto", "artigo"}
	audioWords        = []string{"speech", "audio", "voice", "narration", "tts", "áudio", "voz"}

	sizePattern  = regexp.MustCompile(`(\d{3,4})x(\d{3,4})`)
	wordsPattern = regexp.MustCompile(`(\d+)[- ]?words?`)
)

// KeywordClassifier labels prompts with fixed keyword tables.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, prompt string) (Classification, error) {
	lower := " " + strings.ToLower(prompt) + " "

	switch {
	case containsAny(lower, conversationWords):
		return Classification{Kind: task.KindConversation, Confidence: 0.95}, nil
	case containsAny(lower, compositeWords):
		return Classification{
			Kind: task.KindTask, Subtype: SubtypeComposite, Confidence: 0.85,
			Params: map[string]any{"subtasks": countAny(lower, compositeWords) + 1},
		}, nil
	case containsAny(lower, imageWords):
		params := map[string]any{}
		if m := sizePattern.FindString(lower); m != "" {
			params["size"] = m
		}
		return Classification{Kind: task.KindTask, Subtype: SubtypeImage, Confidence: 0.9, Params: params}, nil
	case containsAny(lower, textWords):
		params := map[string]any{}
		if m := wordsPattern.FindStringSubmatch(lower); m != nil {
			n, _ := strconv.Atoi(m[1])
			params["max_words"] = n
		}
		return Classification{Kind: task.KindTask, Subtype: SubtypeText, Confidence: 0.9, Params: params}, nil
	case containsAny(lower, audioWords):
		return Classification{Kind: task.KindTask, Subtype: SubtypeAudio, Confidence: 0.9}, nil
	default:
		return Classification{Kind: task.KindTask, Confidence: 0.5}, nil
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func countAny(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}
