package registry

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/terrpan/runbot/internal/job"
)

// ExtractCommand returns the text following the last @bot mention of
// body.  Mentions inside fenced code blocks, quoted lines or inline code
// spans do not count.  It reports false when there is no such mention.
func ExtractCommand(body, bot string) (string, bool) {
	mention := "@" + asciiLower(bot)

	var (
		args   string
		found  bool
		fenced bool
	)
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			fenced = !fenced
			continue
		}
		if fenced || strings.HasPrefix(trimmed, ">") {
			continue
		}

		lower := asciiLower(stripInlineCode(line))
		for from := 0; ; {
			i := strings.Index(lower[from:], mention)
			if i < 0 {
				break
			}
			i += from
			end := i + len(mention)
			from = end
			if i > 0 && isNameRune(rune(lower[i-1])) {
				continue
			}
			if end < len(lower) && isNameRune(rune(lower[end])) {
				continue
			}
			args = strings.TrimSpace(line[end:])
			found = true
		}
	}
	return args, found
}

// asciiLower lowers ASCII letters only so byte offsets stay valid for
// the original line.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

var inlineCode = regexp.MustCompile("`[^`]*`")

func stripInlineCode(line string) string {
	return inlineCode.ReplaceAllStringFunc(line, func(s string) string {
		return strings.Repeat(" ", len(s))
	})
}

// Command is a classified mention.
type Command struct {
	Kind      string
	Arguments string
	Help      bool
	Cancel    bool
}

var (
	helpPattern   = regexp.MustCompile(`(?i)^help(\s|$)|(^|\s)--?help(\s|$)`)
	cancelPattern = regexp.MustCompile(`(?i)^cancel\b`)

	commandPatterns = []struct {
		re   *regexp.Regexp
		kind string
	}{
		{regexp.MustCompile(`(?i)^fuzz(er)?\b`), job.KindFuzz},
		{regexp.MustCompile(`(?i)^bench(mark)?s?\b`), job.KindBenchmark},
		{regexp.MustCompile(`(?i)^regex\s?diff\b`), job.KindRegexDiff},
		{regexp.MustCompile(`(?i)^rebase\b`), job.KindRebase},
		{regexp.MustCompile(`(?i)^merge\b`), job.KindMerge},
		{regexp.MustCompile(`(?i)^format\b`), job.KindFormat},
		{regexp.MustCompile(`(?i)^backport(\s+to)?\b`), job.KindBackport},
	}
)

// Classify maps mention arguments to a job kind.  Anything that does
// not start with a known verb is a diff job.
func Classify(args string) Command {
	args = strings.TrimSpace(args)
	if helpPattern.MatchString(args) {
		return Command{Help: true}
	}
	if loc := cancelPattern.FindStringIndex(args); loc != nil {
		return Command{Cancel: true, Arguments: strings.TrimSpace(args[loc[1]:])}
	}

	for _, p := range commandPatterns {
		if loc := p.re.FindStringIndex(args); loc != nil {
			return Command{Kind: p.kind, Arguments: strings.TrimSpace(args[loc[1]:])}
		}
	}
	return Command{Kind: job.KindDiff, Arguments: args}
}

// HelpText is posted in reply to "-help".
func HelpText(bot string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage: `@%s [command] [options]`\n\n", bot)
	b.WriteString("Commands:\n")
	b.WriteString("- _(none)_: build this PR and its base and diff the generated code\n")
	b.WriteString("- `fuzz <pattern>`: run the fuzzers matching a pattern\n")
	b.WriteString("- `benchmark [filter]`: run benchmarks and post the results\n")
	b.WriteString("- `regexdiff`: diff the generated regex source\n")
	b.WriteString("- `rebase`, `merge`, `format`: push the result of the git operation to the PR branch\n")
	b.WriteString("- `backport to <branch>`: open a backport PR\n")
	b.WriteString("- `cancel [job id]`: stop your running jobs on this PR or tracking issue\n\n")
	b.WriteString("Options:\n")
	b.WriteString("- `-arm`, `-intel`, `-amd`, `-fast`: worker shape\n")
	b.WriteString("- `-win`: run on Windows\n")
	b.WriteString("- `-hetzner`, `-helix`: choose the Docker host or the work queue\n")
	b.WriteString("- `-dependsOn <refs>`, `-combineWith <refs>`: merge other PRs or branches first\n")
	b.WriteString("- `-noTrackingIssue`: do not open a tracking issue\n")
	return b.String()
}
