// ABOUTME: Tests for thread title inference
// ABOUTME: Covers heading stripping, truncation and the short-title fallback

package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferTitle_StripsHeadingMarker(t *testing.T) {
	messages := []Message{
		{IsUser: true, Text: "# Hello\nworld", Timestamp: 1},
		{IsUser: false, Text: "hi", Timestamp: 2},
	}
	assert.Equal(t, "Hello", InferTitle(messages))
}

func TestInferTitle_FirstLineOnly(t *testing.T) {
	messages := []Message{
		{IsUser: true, Text: "What is a monad?\nAnd please keep it short.", Timestamp: 1},
		{IsUser: false, Text: "A monoid in the category of endofunctors.", Timestamp: 2},
	}
	assert.Equal(t, "What is a monad?", InferTitle(messages))
}

func TestInferTitle_Truncates(t *testing.T) {
	long := strings.Repeat("a", 80)
	messages := []Message{
		{IsUser: true, Text: long, Timestamp: 1},
		{IsUser: false, Text: "ok", Timestamp: 2},
	}
	title := InferTitle(messages)
	assert.Equal(t, strings.Repeat("a", 50)+"...", title)
}

func TestInferTitle_ShortUserFallsBackToAssistant(t *testing.T) {
	messages := []Message{
		{IsUser: true, Text: "hey", Timestamp: 1},
		{IsUser: false, Text: "Welcome back! How can I help you today?", Timestamp: 2},
	}
	assert.Equal(t, "Welcome back! How can I help you today?", InferTitle(messages))
}

func TestInferTitle_KeepsLongerCandidate(t *testing.T) {
	// User candidate is short, assistant candidate is even shorter: user wins.
	messages := []Message{
		{IsUser: true, Text: "thanks", Timestamp: 1},
		{IsUser: false, Text: "np", Timestamp: 2},
	}
	assert.Equal(t, "thanks", InferTitle(messages))
}

func TestInferTitle_ShortMeasuredInRunes(t *testing.T) {
	// Four runes but twelve bytes: still below the minimum, so the longer
	// assistant candidate wins.
	messages := []Message{
		{IsUser: true, Text: "你好世界", Timestamp: 1},
		{IsUser: false, Text: "Hello! What would you like to talk about?", Timestamp: 2},
	}
	assert.Equal(t, "Hello! What would you like to talk about?", InferTitle(messages))
}

func TestInferTitle_NoMessages(t *testing.T) {
	assert.Equal(t, "", InferTitle(nil))
}

func TestApplyMessageUpdate_NoOpOnIdenticalList(t *testing.T) {
	thread := &ChatThread{
		ID:        "t1",
		Title:     DefaultTitle,
		UpdatedAt: 100,
		Messages:  []Message{{IsUser: true, Text: "hi", Timestamp: 1}},
	}

	changed := ApplyMessageUpdate(thread, []Message{{IsUser: true, Text: "hi", Timestamp: 1}}, 200)
	assert.False(t, changed)
	assert.EqualValues(t, 100, thread.UpdatedAt, "no-op must not advance updated_at")
}

func TestApplyMessageUpdate_TitleRewrittenOnce(t *testing.T) {
	thread := &ChatThread{ID: "t1", Title: DefaultTitle}

	msgs := []Message{
		{IsUser: true, Text: "# Hello\nworld", Timestamp: 1},
		{IsUser: false, Text: "hi", Timestamp: 2},
	}
	changed := ApplyMessageUpdate(thread, msgs, 50)
	assert.True(t, changed)
	assert.Equal(t, "Hello", thread.Title)
	assert.EqualValues(t, 50, thread.UpdatedAt)

	// A later update must not rewrite the title again.
	more := append(append([]Message(nil), msgs...), Message{IsUser: true, Text: "Something else entirely", Timestamp: 3})
	changed = ApplyMessageUpdate(thread, more, 60)
	assert.True(t, changed)
	assert.Equal(t, "Hello", thread.Title)
}

func TestApplyMessageUpdate_SingleMessageKeepsDefaultTitle(t *testing.T) {
	thread := &ChatThread{ID: "t1", Title: DefaultTitle}

	changed := ApplyMessageUpdate(thread, []Message{{IsUser: true, Text: "Hello there", Timestamp: 1}}, 10)
	assert.True(t, changed)
	assert.Equal(t, DefaultTitle, thread.Title, "title inference needs at least two messages")
}
