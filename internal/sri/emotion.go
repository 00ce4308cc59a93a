// Package sri implements the Strip-Recall-Inject memory protocol: outcomes
// are scored into emotion vectors, salient ones are kept as episodic
// memories, and relevant memories are injected into a trimmed conversation
// before each execution step.
package sri

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Outcome is the result class of an experience.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// EmotionVector is a fixed-shape numeric fingerprint of an outcome. Valence
// is in [-1,1]; every other scalar is in [0,1].
type EmotionVector struct {
	Valence    float64   `json:"valence"`
	Arousal    float64   `json:"arousal"`
	Dominance  float64   `json:"dominance"`
	Confidence float64   `json:"confidence"`
	Surprise   float64   `json:"surprise"`
	Fear       float64   `json:"fear"`
	Joy        float64   `json:"joy"`
	Anger      float64   `json:"anger"`
	Sadness    float64   `json:"sadness"`
	Disgust    float64   `json:"disgust"`
	Timestamp  time.Time `json:"timestamp"`
}

// Experience is the tagged outcome fed to the scorer.
type Experience struct {
	Outcome    Outcome
	Confidence float64
}

// Success builds a successful experience.
func Success(confidence float64) Experience {
	return Experience{Outcome: OutcomeSuccess, Confidence: confidence}
}

// Failure builds a failed experience.
func Failure(confidence float64) Experience {
	return Experience{Outcome: OutcomeFailure, Confidence: confidence}
}

// Partial builds a partially successful experience.
func Partial(confidence float64) Experience {
	return Experience{Outcome: OutcomePartial, Confidence: confidence}
}

// Score maps an experience to its emotion vector. The templates scale with
// confidence so that a fully confident outcome has salience just above the
// default store threshold and a hesitant one falls below it.
func Score(e Experience, at time.Time) EmotionVector {
	c := clamp(e.Confidence, 0, 1)
	v := EmotionVector{Confidence: c, Timestamp: at}

	switch e.Outcome {
	case OutcomeSuccess:
		v.Valence = c
		v.Arousal = 0.5 + 0.5*c
		v.Dominance = 0.5 + 0.5*c
		v.Joy = c
		v.Surprise = 0.1 * c
	case OutcomeFailure:
		v.Valence = -c
		v.Arousal = 0.5 + 0.5*c
		v.Dominance = 0.5 - 0.5*c
		v.Fear = 0.6 * c
		v.Anger = 0.3 * c
		v.Sadness = 0.5 * c
		v.Surprise = 0.3 * c
		v.Disgust = 0.1 * c
	default:
		v.Valence = 0.2 * c
		v.Arousal = 0.5 + 0.25*c
		v.Dominance = 0.5
		v.Joy = 0.3 * c
		v.Sadness = 0.2 * c
	}
	return v
}

// Salience is the normalized magnitude of the valence-arousal-dominance part
// of v, measured from the neutral point (0, 0.5, 0.5). Always in [0,1].
func Salience(v EmotionVector) float64 {
	a := v.Arousal - 0.5
	d := v.Dominance - 0.5
	m := math.Sqrt(v.Valence*v.Valence+a*a+d*d) / math.Sqrt(3)
	if math.IsNaN(m) {
		return 0
	}
	return clamp(m, 0, 1)
}

// HashLength is the number of hex characters in an emotion hash.
const HashLength = 16

// Hash fingerprints v: the first 8 bytes of SHA-256 over a canonical
// serialization rounded to three decimals, hex encoded.
func Hash(v EmotionVector) string {
	canonical := fmt.Sprintf("v:%.3f,a:%.3f,d:%.3f,c:%.3f,t:%s",
		v.Valence, v.Arousal, v.Dominance, v.Confidence,
		v.Timestamp.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:HashLength/2])
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
