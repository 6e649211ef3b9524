package engine

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Captcha is one arithmetic challenge presented to the worker. The expected
// answer never leaves the engine.
type Captcha struct {
	ID       string
	Question string

	answer int
}

// Check reports whether the submitted text answers the challenge.
func (c Captcha) Check(submitted string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(submitted))
	if err != nil {
		return false
	}
	return n == c.answer
}

// generateCaptcha builds a random small-arithmetic challenge. Subtraction is
// arranged to keep the answer non-negative.
func generateCaptcha() Captcha {
	a := rand.Intn(20) + 1
	b := rand.Intn(20) + 1

	var question string
	var answer int
	switch rand.Intn(3) {
	case 0:
		question = fmt.Sprintf("What is %d + %d?", a, b)
		answer = a + b
	case 1:
		if a < b {
			a, b = b, a
		}
		question = fmt.Sprintf("What is %d - %d?", a, b)
		answer = a - b
	default:
		a = rand.Intn(9) + 2
		b = rand.Intn(9) + 2
		question = fmt.Sprintf("What is %d x %d?", a, b)
		answer = a * b
	}

	return Captcha{
		ID:       uuid.NewString(),
		Question: question,
		answer:   answer,
	}
}
