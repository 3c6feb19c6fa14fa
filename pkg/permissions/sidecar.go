package permissions

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// SidecarName is the file written next to each staged component.
const SidecarName = "file-permissions.json"

// SaveSidecar writes entries as an indented JSON object keyed by relative path.
func SaveSidecar(path string, entries map[string]FileMetadata) error {
	if entries == nil {
		entries = map[string]FileMetadata{}
	}
	body, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, body, 0o640); err != nil {
		return fmt.Errorf("can't write %s: %w", path, err)
	}
	return nil
}

// LoadSidecar reads a file written by SaveSidecar. Map keys win over the path stored inside
// each record.
func LoadSidecar(path string) (map[string]FileMetadata, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]FileMetadata)
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", path, err)
	}
	for rel, md := range entries {
		if md.Path != rel {
			md.Path = rel
			entries[rel] = md
		}
	}
	return entries, nil
}

// LookupUsername resolves uid, returning an empty string when the account is unknown.
func LookupUsername(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return ""
	}
	return u.Username
}

// LookupGroupname resolves gid, returning an empty string when the group is unknown.
func LookupGroupname(gid int) string {
	g, err := user.LookupGroupId(strconv.Itoa(gid))
	if err != nil {
		return ""
	}
	return g.Name
}
