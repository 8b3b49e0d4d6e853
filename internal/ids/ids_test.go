package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggedRoundTrip(t *testing.T) {
	id := NewAgreementID(Provider)
	tagged := id.Tagged()
	assert.Equal(t, id.Canonical+":P", tagged)

	parsed, err := ParseTagged(tagged)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestTaggedRoundTripRequestor(t *testing.T) {
	id := NewAgreementID(Requestor)
	parsed, err := ParseTagged(id.Tagged())
	require.NoError(t, err)
	assert.Equal(t, Requestor, parsed.Owner)
}

func TestParseTaggedRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "abc", "abc:", "abc:X", "abc:PP"} {
		_, err := ParseTagged(s)
		assert.Error(t, err, s)
	}
}

func TestRoleOther(t *testing.T) {
	assert.Equal(t, Requestor, Provider.Other())
	assert.Equal(t, Provider, Requestor.Other())
}
