package namespaces

import (
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	Todo  = "todo"
	Diary = "diary"
	Food  = "food"
	Ideas = "ideas"
)

// Set holds the built-in namespaces registered by RegisterDefaults.
type Set struct {
	Todo  *KeyValue
	Diary *KeyValue
	Food  *KeyValue
	Ideas *KeyValue
}

var legacyClientNames = map[string]string{
	"todo-replicache-flat":    Todo,
	"food-tracker-replicache": Food,
	"diary-replicache":        Diary,
	"ideas-replicache":        Ideas,
}

var legacyRules = []relaysync.LegacyRule{
	{
		Namespace:     Todo,
		GroupMarkers:  []string{"todo"},
		MutationNames: []string{"createItem", "updateItem", "deleteItem", "createList", "updateList", "deleteList", "createTask", "updateTask", "deleteTask"},
		ArgFields:     []string{"listId", "completed", "order"},
	},
	{
		Namespace:     Food,
		GroupMarkers:  []string{"food"},
		MutationNames: []string{"createEntry", "updateEntry", "deleteEntry"},
		ArgFields:     []string{"price", "imageUrl"},
	},
	{
		Namespace:     Diary,
		GroupMarkers:  []string{"diary"},
		MutationNames: []string{"createEntry", "updateEntry", "deleteEntry"},
		ArgFields:     []string{"moodId", "content"},
	},
	{
		Namespace:     Ideas,
		GroupMarkers:  []string{"idea"},
		MutationNames: []string{"createIdea", "updateIdea", "deleteIdea"},
		ArgFields:     []string{"categoryId", "tags", "isArchived"},
	},
}

// RegisterDefaults registers the todo, diary, food and ideas namespaces,
// the client names older apps send, and the legacy inference rules.
func RegisterDefaults(reg *relaysync.Registry, opts KeyValueOptions) (*Set, error) {
	withKinds := func(kinds map[string]string) KeyValueOptions {
		o := opts
		o.Kinds = kinds
		return o
	}
	set := &Set{
		Todo:  NewKeyValue(Todo, withKinds(map[string]string{"list": "list", "task": "task", "item": "item"})),
		Diary: NewKeyValue(Diary, withKinds(map[string]string{"entry": "diary-entry"})),
		Food:  NewKeyValue(Food, withKinds(map[string]string{"entry": "food-entry"})),
		Ideas: NewKeyValue(Ideas, withKinds(map[string]string{"idea": "idea"})),
	}
	for _, ns := range []*KeyValue{set.Todo, set.Diary, set.Food, set.Ideas} {
		if err := reg.Register(ns.Name(), ns); err != nil {
			return nil, err
		}
	}
	for alias, target := range legacyClientNames {
		if err := reg.Alias(alias, target); err != nil {
			return nil, err
		}
	}
	reg.AddLegacyRules(legacyRules...)
	return set, nil
}
