package tunnels

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Forwarding is a single local_port to device_port rule of a mapping entry.
type Forwarding struct {
	LocalPort  int `json:"local_port"`
	DevicePort int `json:"device_port"`
}

// TunnelRule declares which local ports are relayed to which device ports for one device,
// identified by its udid. Rules are immutable after load.
type TunnelRule struct {
	Udid       string       `json:"udid"`
	Name       string       `json:"name"`
	Forwarding []Forwarding `json:"forwarding"`
}

// MappingFileError wraps everything that can go wrong while loading a mappings file.
type MappingFileError struct {
	Reason string
}

func (e MappingFileError) Error() string {
	return fmt.Sprintf("mappings file error: %s", e.Reason)
}

// LoadMappings reads the mappings file at path and returns the rules indexed by udid.
// Lines whose first non blank character is '#' are comments, the rest has to be a JSON
// array of tunnel rule objects. Later duplicate udids overwrite earlier ones.
func LoadMappings(path string) (map[string]TunnelRule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, MappingFileError{Reason: fmt.Sprintf("could not read '%s': %v", path, err)}
	}
	return ParseMappings(string(content))
}

// ParseMappings parses the text of a mappings file, see LoadMappings.
func ParseMappings(content string) (map[string]TunnelRule, error) {
	stripped := stripComments(content)
	if strings.TrimSpace(stripped) == "" {
		return map[string]TunnelRule{}, nil
	}

	var elements []json.RawMessage
	err := json.Unmarshal([]byte(stripped), &elements)
	if err != nil {
		var probe interface{}
		if jsonErr := json.Unmarshal([]byte(stripped), &probe); jsonErr != nil {
			return nil, MappingFileError{Reason: fmt.Sprintf("not valid JSON: %v", jsonErr)}
		}
		return nil, MappingFileError{Reason: "top level element must be a JSON array"}
	}

	index := make(map[string]TunnelRule, len(elements))
	for _, raw := range elements {
		rule, err := parseRule(raw)
		if err != nil {
			return nil, err
		}
		index[rule.Udid] = rule
	}
	return index, nil
}

func parseRule(raw json.RawMessage) (TunnelRule, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("array element is not an object: %s", prettyJSON(raw))}
	}
	for _, required := range []string{"udid", "forwarding"} {
		if _, ok := fields[required]; !ok {
			return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("missing required field '%s' in: %s", required, prettyJSON(raw))}
		}
	}

	var rule TunnelRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("invalid tunnel rule %v in: %s", err, prettyJSON(raw))}
	}
	if rule.Udid == "" {
		return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("field 'udid' must be a non empty string in: %s", prettyJSON(raw))}
	}
	if len(rule.Forwarding) == 0 {
		return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("field 'forwarding' must be a non empty array in: %s", prettyJSON(raw))}
	}
	for _, fw := range rule.Forwarding {
		if fw.LocalPort < 1 || fw.LocalPort > 65535 {
			return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("'local_port' %d out of range [1,65535] in: %s", fw.LocalPort, prettyJSON(raw))}
		}
		if fw.DevicePort < 1 || fw.DevicePort > 65535 {
			return TunnelRule{}, MappingFileError{Reason: fmt.Sprintf("'device_port' %d out of range [1,65535] in: %s", fw.DevicePort, prettyJSON(raw))}
		}
	}
	return rule, nil
}

func stripComments(content string) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func prettyJSON(raw json.RawMessage) string {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}
