package job

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/terrpan/runbot/internal/provisioner"
)

// Options are the flags parsed from a job's free-text arguments.
type Options struct {
	Machine    provisioner.Machine
	Preference provisioner.Preference

	NoTimeLimit     bool
	NoTrackingIssue bool

	// DependsOn refs are merged into both the baseline and the tested
	// sources; CombineWith refs only into the tested sources.
	DependsOn   []string
	CombineWith []string

	// Positional is everything that was not a recognized flag.
	Positional string
}

// ParseOptions parses flags such as "-arm -fast -dependsOn 123,456" out of
// args.  Flags are case-insensitive; unrecognized tokens are kept in
// Positional in their original order.
func ParseOptions(args string) (Options, error) {
	opts := Options{
		Machine: provisioner.Machine{Arch: provisioner.ArchX64, OS: provisioner.OSLinux},
	}

	var rest []string
	tokens := strings.Fields(args)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		switch strings.ToLower(tok) {
		case "-arm", "-arm64":
			opts.Machine.Arch = provisioner.ArchArm64
		case "-x64":
			opts.Machine.Arch = provisioner.ArchX64
		case "-intel":
			opts.Machine.Vendor = provisioner.VendorIntel
		case "-amd":
			opts.Machine.Vendor = provisioner.VendorAMD
		case "-fast":
			opts.Machine.Fast = true
		case "-win", "-windows":
			opts.Machine.OS = provisioner.OSWindows
		case "-hetzner", "-docker":
			opts.Preference.Docker = true
		case "-helix", "-queue":
			opts.Preference.Queue = true
		case "-notimelimit":
			opts.NoTimeLimit = true
		case "-notrackingissue":
			opts.NoTrackingIssue = true
		case "-dependson", "-combinewith":
			if i+1 >= len(tokens) || strings.HasPrefix(tokens[i+1], "-") {
				return Options{}, fmt.Errorf("%s requires a comma-separated list of PRs or branches", tok)
			}
			i++
			refs := splitList(tokens[i])
			if strings.EqualFold(tok, "-dependson") {
				opts.DependsOn = append(opts.DependsOn, refs...)
			} else {
				opts.CombineWith = append(opts.CombineWith, refs...)
			}
		default:
			rest = append(rest, tok)
		}
	}

	opts.Positional = strings.Join(rest, " ")
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// RefSpec is a parsed reference to a pull request or a branch.
type RefSpec struct {
	Repo   string
	Number int
	Branch string
}

// IsPullRequest reports whether it names a pull request.
func (r RefSpec) IsPullRequest() bool {
	return r.Number > 0
}

// ParseRef understands:
//
//	123, #123                                   PR in defaultRepo
//	owner/repo#123                              PR in owner/repo
//	https://github.com/owner/repo/pull/123      PR URL
//	https://github.com/owner/repo/tree/branch   branch URL
//	owner/repo:branch                           branch in owner/repo
//	branch                                      branch in defaultRepo
func ParseRef(s, defaultRepo string) (RefSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RefSpec{}, fmt.Errorf("empty reference")
	}

	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		return parseRefURL(s)
	}

	if n, err := strconv.Atoi(strings.TrimPrefix(s, "#")); err == nil {
		if n <= 0 {
			return RefSpec{}, fmt.Errorf("invalid pull request number %q", s)
		}
		return RefSpec{Repo: defaultRepo, Number: n}, nil
	}

	if repo, num, ok := strings.Cut(s, "#"); ok {
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 || !validRepo(repo) {
			return RefSpec{}, fmt.Errorf("invalid pull request reference %q", s)
		}
		return RefSpec{Repo: repo, Number: n}, nil
	}

	if repo, branch, ok := strings.Cut(s, ":"); ok {
		if !validRepo(repo) || branch == "" {
			return RefSpec{}, fmt.Errorf("invalid branch reference %q", s)
		}
		return RefSpec{Repo: repo, Branch: branch}, nil
	}

	return RefSpec{Repo: defaultRepo, Branch: s}, nil
}

func parseRefURL(s string) (RefSpec, error) {
	u, err := url.Parse(s)
	if err != nil {
		return RefSpec{}, fmt.Errorf("invalid reference url %q: %w", s, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 4 {
		return RefSpec{}, fmt.Errorf("unsupported reference url %q", s)
	}
	repo := parts[0] + "/" + parts[1]

	switch parts[2] {
	case "pull":
		n, err := strconv.Atoi(parts[3])
		if err != nil || n <= 0 {
			return RefSpec{}, fmt.Errorf("invalid pull request url %q", s)
		}
		return RefSpec{Repo: repo, Number: n}, nil
	case "tree":
		return RefSpec{Repo: repo, Branch: strings.Join(parts[3:], "/")}, nil
	default:
		return RefSpec{}, fmt.Errorf("unsupported reference url %q", s)
	}
}

func validRepo(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}
