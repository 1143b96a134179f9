// Package searchquery builds boolean IMAP SEARCH query ASTs and
// renders them to RFC 3501 §6.4.4 SEARCH command syntax.
//
// Adapted from the teacher's imap/imapparser.SearchOp — that type and
// its sibling Matcher parse and evaluate a SEARCH command
// server-side. The client direction needs the opposite half: build a
// query value in Go and serialize it to the wire syntax a server
// expects, so this package keeps SearchOp's key/children/value shape
// but drops Matcher entirely and adds a String method instead of
// parsing one from bytes. This is the "boolean query AST" the
// connection core exposes; ranking, relevance, or any search index
// beyond what a single SEARCH command expresses is out of scope.
package searchquery

import (
	"fmt"
	"strings"
	"time"
)

// Query is a boolean IMAP search expression. The zero Query is ALL.
type Query struct {
	key      string
	value    string
	date     time.Time
	num      int64
	children []Query
}

// All matches every message in the selected mailbox.
func All() Query { return Query{key: "ALL"} }

// Seen/Unseen/Answered/Flagged and their negations match the
// eponymous IMAP system flags.
func Seen() Query       { return Query{key: "SEEN"} }
func Unseen() Query     { return Query{key: "UNSEEN"} }
func Answered() Query   { return Query{key: "ANSWERED"} }
func Unanswered() Query { return Query{key: "UNANSWERED"} }
func Flagged() Query    { return Query{key: "FLAGGED"} }
func Unflagged() Query  { return Query{key: "UNFLAGGED"} }
func Deleted() Query    { return Query{key: "DELETED"} }
func Draft() Query      { return Query{key: "DRAFT"} }
func New() Query        { return Query{key: "NEW"} }

// Since matches messages with an internal date on or after t.
func Since(t time.Time) Query { return Query{key: "SINCE", date: t} }

// Before matches messages with an internal date strictly before t.
func Before(t time.Time) Query { return Query{key: "BEFORE", date: t} }

// On matches messages with an internal date equal to t's calendar day.
func On(t time.Time) Query { return Query{key: "ON", date: t} }

// Larger/Smaller match RFC822.SIZE relative to n bytes.
func Larger(n int64) Query  { return Query{key: "LARGER", num: n} }
func Smaller(n int64) Query { return Query{key: "SMALLER", num: n} }

// Subject/From/To/Cc/Bcc/Body/Text match substrings of the named
// header or, for Body/Text, the message content.
func Subject(s string) Query { return Query{key: "SUBJECT", value: s} }
func From(s string) Query    { return Query{key: "FROM", value: s} }
func To(s string) Query      { return Query{key: "TO", value: s} }
func Cc(s string) Query      { return Query{key: "CC", value: s} }
func Bcc(s string) Query     { return Query{key: "BCC", value: s} }
func Body(s string) Query    { return Query{key: "BODY", value: s} }
func Text(s string) Query    { return Query{key: "TEXT", value: s} }

// Header matches a named header field against a substring.
func Header(name, value string) Query {
	return Query{key: "HEADER", value: name + " " + value}
}

// Keyword/Unkeyword match a user-defined flag's presence or absence.
func Keyword(name string) Query   { return Query{key: "KEYWORD", value: name} }
func Unkeyword(name string) Query { return Query{key: "UNKEYWORD", value: name} }

// And conjoins two or more queries.
func And(qs ...Query) Query { return Query{key: "AND", children: qs} }

// Or disjoins two or more queries (IMAP's OR only takes two operands
// at a time, so more than two are folded pairwise in String).
func Or(qs ...Query) Query { return Query{key: "OR", children: qs} }

// Not negates q.
func Not(q Query) Query { return Query{key: "NOT", children: []Query{q}} }

// String renders q to IMAP SEARCH command syntax, suitable to follow
// "SEARCH " or "UID SEARCH " in a command line.
func (q Query) String() string {
	switch q.key {
	case "", "ALL":
		return "ALL"
	case "AND":
		parts := make([]string, len(q.children))
		for i, c := range q.children {
			parts[i] = c.String()
		}
		return strings.Join(parts, " ")
	case "OR":
		if len(q.children) == 0 {
			return "ALL"
		}
		acc := q.children[0].String()
		for _, c := range q.children[1:] {
			acc = fmt.Sprintf("OR %s %s", acc, c.String())
		}
		return acc
	case "NOT":
		return fmt.Sprintf("NOT %s", q.children[0].String())
	case "SINCE", "BEFORE", "ON":
		return fmt.Sprintf("%s %s", q.key, imapDate(q.date))
	case "LARGER", "SMALLER":
		return fmt.Sprintf("%s %d", q.key, q.num)
	case "HEADER":
		parts := strings.SplitN(q.value, " ", 2)
		name, value := parts[0], ""
		if len(parts) == 2 {
			value = parts[1]
		}
		return fmt.Sprintf("HEADER %s %s", name, quoted(value))
	case "SUBJECT", "FROM", "TO", "CC", "BCC", "BODY", "TEXT", "KEYWORD", "UNKEYWORD":
		return fmt.Sprintf("%s %s", q.key, quoted(q.value))
	default:
		return q.key
	}
}

func imapDate(t time.Time) string {
	return t.Format("02-Jan-2006")
}

func quoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
