// Package identifier derives QAStudio case identifiers from test metadata.
//
// Resolution order, first match wins:
//
//  1. an explicit marker, returned verbatim;
//  2. a "QA<digits>" token inside the test name;
//  3. a "QAStudio ID: QA-<digits>" line inside the test documentation.
//
// Finding nothing is a normal outcome: the test is still reported, just not
// linked to a case.
package identifier

import (
	"bufio"
	"regexp"
	"strings"
)

// docLineRegex matches a declaration that ends its line, optionally preceded
// by text such as a list marker and followed by punctuation.
var docLineRegex = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])qastudio\s+id\s*:\s*qa-?(\d+)\s*[[:punct:]]*\s*$`)

// Extract returns the case identifier for a test, or "" when none applies.
func Extract(marker, name, doc string) string {
	if marker != "" {
		return marker
	}
	if id := FromName(name); id != "" {
		return id
	}
	return FromDoc(doc)
}

// FromName scans a test name for a QA token such as test_QA124_registration,
// TestLoginQA125 or TestQA126Signup and returns it in QA-<digits> form.
// The token must start at a non-alphanumeric boundary or a lower to upper
// case transition, and its digits must end at a non-digit.
//
// For subtests (TestLogin/case_QA2) only the last path element is scanned,
// so a subtest never takes the identifier of its parent.
func FromName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for i := 0; i+2 < len(name); i++ {
		if !isQ(name[i]) || !isA(name[i+1]) {
			continue
		}
		if !leftBoundary(name, i) {
			continue
		}
		j := i + 2
		if name[j] == '-' {
			j++
		}
		start := j
		for j < len(name) && isDigit(name[j]) {
			j++
		}
		if j == start {
			continue
		}
		return normalize(name[start:j])
	}
	return ""
}

// FromDoc scans documentation line by line for a QAStudio ID declaration.
func FromDoc(doc string) string {
	if doc == "" {
		return ""
	}
	scanner := bufio.NewScanner(strings.NewReader(doc))
	for scanner.Scan() {
		m := docLineRegex.FindStringSubmatch(scanner.Text())
		if m != nil {
			return normalize(m[1])
		}
	}
	return ""
}

func normalize(digits string) string {
	return "QA-" + digits
}

func leftBoundary(s string, i int) bool {
	if i == 0 {
		return true
	}
	prev := s[i-1]
	if !isAlnum(prev) {
		return true
	}
	return isLower(prev) && s[i] == 'Q'
}

func isQ(c byte) bool { return c == 'Q' || c == 'q' }

func isA(c byte) bool { return c == 'A' || c == 'a' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

func isAlnum(c byte) bool {
	return isDigit(c) || isLower(c) || (c >= 'A' && c <= 'Z')
}
