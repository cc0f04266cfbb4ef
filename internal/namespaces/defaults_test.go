package namespaces

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func TestRegisterDefaults(t *testing.T) {
	reg := relaysync.NewRegistry()
	set, err := RegisterDefaults(reg, KeyValueOptions{})
	require.NoError(t, err)
	require.NotNil(t, set.Todo)
	assert.Equal(t, []string{"diary", "food", "ideas", "todo"}, reg.Names())

	for alias, want := range map[string]string{
		"todo-replicache-flat":    "todo",
		"food-tracker-replicache": "food",
		"diary-replicache":        "diary",
		"ideas-replicache":        "ideas",
	} {
		_, name, ok := reg.Lookup(alias)
		require.True(t, ok, alias)
		assert.Equal(t, want, name)
	}

	_, err = RegisterDefaults(reg, KeyValueOptions{})
	assert.ErrorIs(t, err, relaysync.ErrInvalidInput)
}

func TestDefaultLegacyInference(t *testing.T) {
	reg := relaysync.NewRegistry()
	_, err := RegisterDefaults(reg, KeyValueOptions{})
	require.NoError(t, err)

	cases := []struct {
		desc      string
		groupID   string
		mutations []relaysync.Mutation
		want      string
	}{
		{desc: "group marker", groupID: "diary-7f3a", want: "diary"},
		{desc: "todo mutation", mutations: []relaysync.Mutation{{ID: 1, Name: "createItem", Args: json.RawMessage(`{"listId":"l1"}`)}}, want: "todo"},
		{desc: "food fields", mutations: []relaysync.Mutation{{ID: 1, Name: "createEntry", Args: json.RawMessage(`{"price":3.5}`)}}, want: "food"},
		{desc: "diary fields", mutations: []relaysync.Mutation{{ID: 1, Name: "createEntry", Args: json.RawMessage(`{"moodId":"m","content":"x"}`)}}, want: "diary"},
		{desc: "ambiguous entry", mutations: []relaysync.Mutation{{ID: 1, Name: "createEntry", Args: json.RawMessage(`{"date":"2026-01-01"}`)}}, want: ""},
	}
	for _, tc := range cases {
		res := reg.Resolve(relaysync.ResolveHint{ClientGroupID: tc.groupID, Mutations: tc.mutations})
		assert.Equal(t, tc.want, res.Name, tc.desc)
		if tc.want != "" {
			assert.Equal(t, relaysync.ResolvedLegacy, res.Source, tc.desc)
			assert.True(t, res.Known, tc.desc)
		}
	}
}
