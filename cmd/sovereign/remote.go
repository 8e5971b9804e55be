package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ─── Commands against the running service ───

func runSessionCreate(port int, locale string) error {
	var body any
	if locale != "" {
		body = map[string]string{"locale": locale}
	}
	var snap map[string]any
	if err := call(port, http.MethodPost, "/api/sessions", body, &snap); err != nil {
		return err
	}
	fmt.Printf("Created %s (phase %s, posture %s)\n", str(snap["id"]), str(snap["phase"]), str(snap["posture"]))
	return nil
}

func runSessionList(port int) error {
	var result map[string]any
	if err := call(port, http.MethodGet, "/api/sessions", nil, &result); err != nil {
		return err
	}

	sessions, ok := result["sessions"].([]any)
	if !ok || len(sessions) == 0 {
		fmt.Println("No live sessions.")
		return nil
	}

	fmt.Printf("%-32s %-10s %-10s %-6s %s\n", "SESSION", "PHASE", "POSTURE", "AUDIT", "STARTED")
	fmt.Println(strings.Repeat("─", 90))
	for _, s := range sessions {
		m, ok := s.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("%-32s %-10s %-10s %-6v %s\n",
			truncate(str(m["id"]), 32), str(m["phase"]), str(m["posture"]), m["audit_count"], str(m["started_at"]))
	}
	return nil
}

func runSessionShow(port int, sessionID string) error {
	var snap map[string]any
	if err := call(port, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &snap); err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runSessionPhase(port int, sessionID, target string) error {
	var snap map[string]any
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/phase"
	if err := call(port, http.MethodPost, path, map[string]string{"phase": target}, &snap); err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runSessionLog(port int, sessionID, action string, pairs []string) error {
	metadata, err := parseMetadata(pairs)
	if err != nil {
		return err
	}
	var result map[string]any
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/actions"
	if err := call(port, http.MethodPost, path, map[string]any{"action": action, "metadata": metadata}, &result); err != nil {
		return err
	}
	fmt.Printf("Logged %s (%v entries)\n", action, result["audit_count"])
	return nil
}

func runSessionAudit(port int, sessionID, filter string) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/audit"
	if filter != "" {
		path += "?filter=" + url.QueryEscape(filter)
	}
	var result map[string]any
	if err := call(port, http.MethodGet, path, nil, &result); err != nil {
		return err
	}

	entries, ok := result["entries"].([]any)
	if !ok || len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		fmt.Printf("  %3v. [%s] %-45s phase=%-10s actor=%s\n",
			m["seq"], str(m["timestamp"]), truncate(str(m["action"]), 45), str(m["phase_at_time"]), str(m["actor"]))
	}
	return nil
}

func runSessionVerify(port int, sessionID string) error {
	var result map[string]any
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/audit/verify"
	if err := call(port, http.MethodGet, path, nil, &result); err != nil {
		return err
	}
	if valid, _ := result["valid"].(bool); valid {
		fmt.Printf("✓ Hash chain intact for session %s (%v entries verified)\n", sessionID, result["entries"])
	} else {
		fmt.Printf("✗ Hash chain broken for session %s at entry %v\n", sessionID, result["broken_at"])
	}
	return nil
}

func runSessionPosture(port int, sessionID, op, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var snap map[string]any
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/" + op
	if err := call(port, http.MethodPost, path, body, &snap); err != nil {
		return err
	}
	printSnapshot(snap)
	return nil
}

func runSessionEnd(port int, sessionID string) error {
	if err := call(port, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Ended %s\n", sessionID)
	return nil
}

func runSend(port int, sessionID, conversationID, text string) error {
	var receipt map[string]any
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	body := map[string]string{"conversation_id": conversationID, "text": text}
	if err := call(port, http.MethodPost, path, body, &receipt); err != nil {
		return err
	}
	if str(receipt["status"]) == "queued" {
		fmt.Println("Transport not ready; message queued and will be sent on reconnect.")
		return nil
	}
	fmt.Println(str(receipt["reply"]))
	return nil
}

// ─── Shared Helpers ───

// call performs one API request and decodes the JSON response into out.
// Non-2xx responses become errors carrying the server's message.
func call(port int, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	endpoint := fmt.Sprintf("http://localhost:%d%s", resolvePort(port), path)
	req, err := http.NewRequest(method, endpoint, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = decodeJSON(resp, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := decodeJSON(resp, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printSnapshot(snap map[string]any) {
	fmt.Printf("Session:      %s\n", str(snap["id"]))
	fmt.Printf("Phase:        %s\n", str(snap["phase"]))
	fmt.Printf("Posture:      %s\n", str(snap["posture"]))
	fmt.Printf("Entry method: %s\n", str(snap["entry_method"]))
	fmt.Printf("Audit:        %v entries\n", snap["audit_count"])
	if caps, ok := snap["capabilities"].([]any); ok {
		labels := make([]string, 0, len(caps))
		for _, c := range caps {
			labels = append(labels, str(c))
		}
		fmt.Printf("Capabilities: %s\n", strings.Join(labels, ", "))
	}
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func resolvePort(port int) int {
	if port == 0 {
		return 7420
	}
	return port
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
