package rpc

// toolDescriptors is the static tool listing returned by tools/list,
// each announced with its JSON Schema input shape.
var toolDescriptors = []map[string]any{
	{
		"name":        "send_xmpp_message",
		"description": "Send a chat message to a JID or address book alias.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"recipient":    map[string]any{"type": "string"},
				"message":      map[string]any{"type": "string"},
				"message_type": map[string]any{"type": "string"},
				"priority":     map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
			},
			"required": []string{"recipient", "message"},
		},
	},
	{
		"name":        "inbox/list",
		"description": "List received messages, newest first.",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"limit": map[string]any{"type": "integer"}},
		},
	},
	{
		"name":        "inbox/get",
		"description": "Fetch a single received message by id.",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"messageId": map[string]any{"type": "string"}},
			"required":   []string{"messageId"},
		},
	},
	{
		"name":        "inbox/clear",
		"description": "Clear the inbox.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		"name":        "address_book/save",
		"description": "Bind an alias to a JID.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"alias": map[string]any{"type": "string"},
				"jid":   map[string]any{"type": "string"},
			},
			"required": []string{"alias", "jid"},
		},
	},
	{
		"name":        "address_book/query",
		"description": "Fuzzy search aliases and JIDs.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"term":  map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"term"},
		},
	},
	{
		"name":        "address_book/remove",
		"description": "Remove an alias binding.",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"alias": map[string]any{"type": "string"}},
			"required":   []string{"alias"},
		},
	},
	{
		"name":        "address_book/list",
		"description": "List every alias binding.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
}
