package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// FileMarker stands in for a value that will be read from a file param.
const FileMarker = "_file_"

var languageByExt = map[string]string{
	".cpp": "cpp",
	".cc":  "cpp",
	".cxx": "cpp",
	".c":   "c",
	".py":  "python",
}

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "judge",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/api/v1/judge/submissions",
			Fields: []Field{
				{Name: "problem_id", Aliases: []string{"problem"}, Prompt: "problem_id", Type: FieldString, Required: true},
				{Name: "source", Aliases: []string{"source_code"}, Prompt: "source", Type: FieldString, Required: true},
				{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile},
				{Name: "language_id", Aliases: []string{"lang"}, Prompt: "language_id", Type: FieldString},
				{Name: "owner_id", Aliases: []string{"owner"}, Prompt: "owner_id", Type: FieldString},
				{Name: "contest_id", Aliases: []string{"contest"}, Prompt: "contest_id", Type: FieldString},
				{Name: "participant_id", Aliases: []string{"participant"}, Prompt: "participant_id", Type: FieldString},
			},
		},
		{
			Service:      "judge",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/judge/submissions/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/judge/submissions",
			Fields: []Field{
				{Name: "problem_id", Aliases: []string{"problem"}, Type: FieldString},
				{Name: "owner_id", Aliases: []string{"owner"}, Type: FieldString},
				{Name: "contest_id", Aliases: []string{"contest"}, Type: FieldString},
				{Name: "language_id", Aliases: []string{"lang"}, Type: FieldString},
				{Name: "status", Type: FieldString},
				{Name: "page", Type: FieldString},
				{Name: "page_size", Aliases: []string{"size"}, Type: FieldString},
			},
		},
		{
			Service:      "judge",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/healthz",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	if cmd.Method == "GET" {
		path += buildQuery(cmd, params)
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}
	return path, nil
}

// buildQuery encodes every non-path field that was given.
func buildQuery(cmd Command, params Params) string {
	query := url.Values{}
	for _, field := range cmd.Fields {
		if field.Name == "id" {
			continue
		}
		if value := params.Get(field.Name); value != "" {
			query.Set(field.Name, value)
		}
	}
	if len(query) == 0 {
		return ""
	}
	return "?" + query.Encode()
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Key() == "judge submit" {
		return buildSubmitPayload(params)
	}
	return nil, nil
}

func buildSubmitPayload(params Params) (interface{}, error) {
	source := params.Get("source")
	var err error
	if (source == "" || source == FileMarker) && params.Get("source_file") != "" {
		source, err = ReadFile(params.Get("source_file"))
		if err != nil {
			return nil, err
		}
	}
	if source == "" || source == FileMarker {
		return nil, fmt.Errorf("source is required")
	}

	language := params.Get("language_id")
	if language == "" && params.Get("source_file") != "" {
		language = languageByExt[strings.ToLower(filepath.Ext(params.Get("source_file")))]
	}

	payload := map[string]interface{}{
		"problem_id": params.Get("problem_id"),
		"source":     source,
	}
	for key, value := range map[string]string{
		"language_id":    language,
		"owner_id":       params.Get("owner_id"),
		"contest_id":     params.Get("contest_id"),
		"participant_id": params.Get("participant_id"),
	} {
		if value != "" {
			payload[key] = value
		}
	}
	return payload, nil
}
