package action

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/k11v/buildworker/internal/digest"
)

// Marshal serializes d deterministically: entries sorted by name, so that
// two Directory values with the same entries always produce the same
// bytes and therefore the same Digest.
func (d Directory) Marshal() []byte {
	files := slices.Clone(d.Files)
	slices.SortFunc(files, func(a, b FileNode) int { return cmp.Compare(a.Name, b.Name) })

	dirs := slices.Clone(d.Directories)
	slices.SortFunc(dirs, func(a, b DirectoryNode) int { return cmp.Compare(a.Name, b.Name) })

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file %s %s %t\n", f.Name, f.Digest, f.IsExecutable)
	}
	for _, sd := range dirs {
		fmt.Fprintf(&b, "dir %s %s\n", sd.Name, sd.Digest)
	}
	return []byte(b.String())
}

// Digest returns the stable identity of d's serialized form.
func (d Directory) Digest() digest.Digest {
	return digest.FromBytes(d.Marshal())
}

// UnmarshalDirectory parses the format produced by Marshal.
func UnmarshalDirectory(b []byte) (Directory, error) {
	var d Directory
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "file":
			if len(fields) != 4 {
				return Directory{}, fmt.Errorf("action.UnmarshalDirectory: malformed file entry %q", line)
			}
			dg, err := digest.Parse(fields[2])
			if err != nil {
				return Directory{}, fmt.Errorf("action.UnmarshalDirectory: %w", err)
			}
			d.Files = append(d.Files, FileNode{
				Name:         fields[1],
				Digest:       dg,
				IsExecutable: fields[3] == "true",
			})
		case "dir":
			if len(fields) != 3 {
				return Directory{}, fmt.Errorf("action.UnmarshalDirectory: malformed dir entry %q", line)
			}
			dg, err := digest.Parse(fields[2])
			if err != nil {
				return Directory{}, fmt.Errorf("action.UnmarshalDirectory: %w", err)
			}
			d.Directories = append(d.Directories, DirectoryNode{Name: fields[1], Digest: dg})
		default:
			return Directory{}, fmt.Errorf("action.UnmarshalDirectory: unknown entry kind %q", fields[0])
		}
	}
	return d, nil
}
