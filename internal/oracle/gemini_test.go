package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/domain"
)

func candidates(ids ...string) map[string][]domain.Skill {
	m := make(map[string][]domain.Skill, len(ids))
	for _, id := range ids {
		m[id] = nil
	}
	return m
}

func TestParseCandidateExactMatch(t *testing.T) {
	got, err := parseCandidate("  42 ", candidates("42", "7"))
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestParseCandidateFirstInteger(t *testing.T) {
	got, err := parseCandidate("I would pick member 7 for this.", candidates("42", "7"))
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestParseCandidateRejectsNonCandidate(t *testing.T) {
	// 99 is a well-formed id that is simply not on offer
	_, err := parseCandidate("99", candidates("42", "7"))
	assert.ErrorIs(t, err, ErrUnparsable)

	_, err = parseCandidate("no idea", candidates("42", "7"))
	assert.ErrorIs(t, err, ErrUnparsable)

	_, err = parseCandidate("", candidates("42", "7"))
	assert.ErrorIs(t, err, ErrUnparsable)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"name":"x"}`, stripFences("```json\n{\"name\":\"x\"}\n```"))
	assert.Equal(t, `{"name":"x"}`, stripFences("```\n{\"name\":\"x\"}\n```"))
	assert.Equal(t, `{"name":"x"}`, stripFences(`{"name":"x"}`))
}
