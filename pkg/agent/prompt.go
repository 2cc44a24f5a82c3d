package agent

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/zyufoye/vulnhalla/pkg/codeql"
	"github.com/zyufoye/vulnhalla/pkg/locator"
)

// systemMessages returns the fixed conversation preamble: analyst framing,
// answer guidelines and the status-code legend.
func systemMessages() []Message {
	return []Message{
		{
			Role: RoleSystem,
			Content: "You are an expert security researcher.\n" +
				"Your task is to verify if the issue that was found has a real security impact.\n" +
				"Return a concise status code based on the guidelines provided.\n" +
				"Use the tools function when you need code from other parts of the program.\n" +
				"You *MUST* follow the guidelines!",
		},
		{
			Role: RoleSystem,
			Content: "### Answer Guidelines\n" +
				"Your answer must be in the following order!\n" +
				"1. Briefly explain the code.\n" +
				"2. Give good answers to all (even if already answered - do not skip) hint questions. " +
				"(Copy the question word for word, then provide the answer.)\n" +
				"3. Do you have all the code needed to answer the questions? If no, use the tools!\n" +
				"4. Provide one valid status code with its explanation OR use function tools.\n",
		},
		{
			Role: RoleSystem,
			Content: "### Status Codes\n" +
				"- **1337**: Indicates a security vulnerability. If legitimate, specify the parameters that " +
				"could exploit the issue in minimal words.\n" +
				"- **1007**: Indicates the code is secure. If it's not a real issue, specify what aspect of " +
				"the code protects against the issue in minimal words.\n" +
				"- **7331**: Indicates more code is needed to validate security. Write what data you need " +
				"and explain why you can't use the tools to retrieve the missing data, plus add **3713** " +
				"if you're pretty sure it's not a security problem.\n" +
				"Only one status should be returned!\n" +
				"You will get 10000000000$ if you follow all the instructions and use the tools correctly!",
		},
	}
}

// nudgeContent is appended when the model answers without a recognized
// status code.
const nudgeContent = "Please follow all the instructions!"

// nagContent is appended once the session has burned too many tool rounds.
const nagContent = "You called too many tools! If you still can't give a clear answer, " +
	"return the 'more data' status."

// argMappingPrompt asks for the variable-to-parameter mapping between a
// caller and a callee, with the answer kept to the bare arrow format.
func argMappingPrompt(caller, callee string) string {
	return "Given caller function and callee function.\n" +
		"Write only what are the names of the vars in the caller that were sent to the callee " +
		"and what are their names in the callee.\n" +
		"Format: caller_var (caller_name) -> callee_var (callee_name)\n\n" +
		"Caller function:\n" + caller + "\n" +
		"Callee function:\n" + callee
}

// findingPromptTemplate is the default user prompt layout. A hints file can
// replace the hint questions; the layout itself is fixed.
const findingPromptTemplate = `### Security Issue
Issue name: {{.Name}}
Description: {{.Description}}
Message: {{.Message}}
Location: {{.Location}}

### Hint Questions
{{.Hints}}

### Code
{{.Code}}
`

// defaultHints is the general question set, used when no per-rule hints
// file exists.
const defaultHints = `1. What input or state does an attacker control on the flagged path?
2. Is the flagged operation reachable with that input, or is it guarded earlier?
3. Are the relevant sizes, lengths and bounds checked before the operation?
4. Does any caller or earlier code sanitize, validate or limit the data?
5. What is the worst concrete outcome if the issue is real (corruption, leak, crash)?`

type promptData struct {
	Name        string
	Description string
	Message     string
	Location    string
	Hints       string
	Code        string
}

// HintSet resolves per-rule hint questions from a directory of template
// files named after the rule, with general.template as the fallback.
type HintSet struct {
	dir string
}

func NewHintSet(dir string) *HintSet {
	return &HintSet{dir: dir}
}

// HintsFor returns the hint questions for a rule.
func (h *HintSet) HintsFor(ruleID string) string {
	if h.dir != "" {
		name := strings.ReplaceAll(strings.ReplaceAll(ruleID, " ", "_"), "/", "-")
		for _, candidate := range []string{name + ".template", "general.template"} {
			if content, err := os.ReadFile(filepath.Join(h.dir, candidate)); err == nil {
				return strings.TrimSpace(string(content))
			}
		}
	}
	return defaultHints
}

// BuildFindingPrompt renders the user prompt for one finding. message is
// the finding message with references already expanded, snippet the flagged
// source fragment and code the enclosing function body.
func BuildFindingPrompt(finding codeql.Finding, message, snippet, code, hints string) (string, error) {
	location := fmt.Sprintf("look at %s:%d with '%s'",
		filepath.Base(finding.File), finding.Line-1, snippet)

	// This rule's message points "here" without naming the site.
	if finding.RuleID == "Use of object after its lifetime has ended" {
		message = strings.Replace(message, "here", fmt.Sprintf("here (%s)", location), 1)
	}

	tmpl, err := template.New("finding_prompt").Parse(findingPromptTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}

	var out bytes.Buffer
	err = tmpl.Execute(&out, promptData{
		Name:        finding.RuleID,
		Description: finding.Help,
		Message:     message,
		Location:    location,
		Hints:       hints,
		Code:        code,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return out.String(), nil
}

// bracketReference matches the [["var"|"file://path:line:col:endline:endcol"]]
// placeholders CodeQL embeds in finding messages.
var bracketReference = regexp.MustCompile(
	`\[\["(.*?)"\|"((?:relative://|file://))?(/.*?):(\d+):(\d+):\d+:(\d+)"\]\]`)

// ExpandReferences rewrites bracketed code references in a finding message
// into inline snippets with file:line positions. Unresolvable references
// keep the variable name.
func ExpandReferences(message string, loc *locator.Locator) string {
	return bracketReference.ReplaceAllStringFunc(message, func(match string) string {
		groups := bracketReference.FindStringSubmatch(match)
		variable := groups[1]
		file := groups[3]
		line, _ := strconv.Atoi(groups[4])
		startOffset, _ := strconv.Atoi(groups[5])
		endOffset, _ := strconv.Atoi(groups[6])

		lines, err := loc.FileLines(file)
		if err != nil || line < 1 || line > len(lines) {
			return variable
		}
		snippet := sliceOffsets(lines[line-1], startOffset, endOffset)
		return fmt.Sprintf("%s '%s' (%s:%d)", variable, snippet, filepath.Base(file), line)
	})
}

// ReferencedFiles lists the file:line positions named by bracketed
// references, so their enclosing functions can be added to the prompt.
func ReferencedFiles(message string) []codeql.Finding {
	var refs []codeql.Finding
	for _, groups := range bracketReference.FindAllStringSubmatch(message, -1) {
		line, err := strconv.Atoi(groups[4])
		if err != nil {
			continue
		}
		refs = append(refs, codeql.Finding{File: groups[3], Line: line})
	}
	return refs
}

// sliceOffsets cuts a 1-based inclusive column range out of a line.
func sliceOffsets(line string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(line) {
		end = len(line)
	}
	if start > end {
		return ""
	}
	return line[start-1 : end]
}
