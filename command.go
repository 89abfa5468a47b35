package backup

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verb identifies the kind of replicated state or payload an APPLY line
// carries (spec §1, GLOSSARY "APPLY").
type Verb string

const (
	VerbMailbox Verb = "MAILBOX"
	VerbMessage Verb = "MESSAGE"
	VerbExpunge Verb = "EXPUNGE"
)

// Dlist is the opaque replication payload framed by CRLF at the log level
// (GLOSSARY "dlist"). The core treats it as an uninterpreted string except
// when it must project a command onto the index; that projection is done by
// ParseCommand, which stands in for the real replication protocol parser the
// spec explicitly keeps out of scope (§1).
type Dlist struct {
	Raw string
}

// MessagePayload is one embedded message body carried by a MESSAGE command.
type MessagePayload struct {
	GUID      string
	Partition string
	Data      []byte
}

// ExpungeRecord names the mailbox and UIDs an EXPUNGE command removes.
type ExpungeRecord struct {
	UniqueID string
	UIDs     []int64
}

// Command is the parsed form of one APPLY line: a verb plus whichever of the
// structured records below the verb carries (spec §4.E "Command semantics").
type Command struct {
	Verb            Verb
	Mailbox         *MailboxRecord
	MailboxMessages []MailboxMessageRecord
	Messages        []MessagePayload
	Expunge         *ExpungeRecord
}

// --- encoding -----------------------------------------------------------

func atomStr(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func atomNum(n int64) string {
	return strconv.FormatInt(n, 10)
}

func atomBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func atomBytes(b []byte) string {
	return atomStr(base64.StdEncoding.EncodeToString(b))
}

func kv(key, value string) string {
	return key + " " + value
}

func list(items []string) string {
	return "(" + strings.Join(items, " ") + ")"
}

// EncodeCommand renders a Command back into dlist text, the inverse of
// ParseCommand. Callers use it to build the Dlist they pass to Append,
// which writes that Dlist to the log as given; it is also how readers
// reconstruct a mailbox's "most recent APPLY
// body" for the round-trip law in spec §8.
func EncodeCommand(cmd Command) (Dlist, error) {
	switch cmd.Verb {
	case VerbMailbox:
		return encodeMailboxCommand(cmd)
	case VerbMessage:
		return encodeMessageCommand(cmd)
	case VerbExpunge:
		return encodeExpungeCommand(cmd)
	default:
		return Dlist{}, fmt.Errorf("backup: unknown command verb %q", cmd.Verb)
	}
}

func encodeMailboxCommand(cmd Command) (Dlist, error) {
	m := cmd.Mailbox
	if m == nil {
		return Dlist{}, errors.New("backup: MAILBOX command missing mailbox record")
	}
	records := make([]string, len(cmd.MailboxMessages))
	for i, r := range cmd.MailboxMessages {
		records[i] = list([]string{
			kv("UID", atomNum(r.UID)),
			kv("MODSEQ", atomNum(r.ModSeq)),
			kv("FLAGS", atomStr(r.Flags)),
			kv("INTERNALDATE", atomNum(r.InternalDate)),
			kv("GUID", atomStr(r.GUID)),
			kv("SIZE", atomNum(r.Size)),
			kv("ANNOTATIONS", atomBytes(r.Annotations)),
		})
	}
	fields := []string{
		kv("UNIQUEID", atomStr(m.UniqueID)),
		kv("MBOXNAME", atomStr(m.MboxName)),
		kv("ACL", atomStr(m.ACL)),
		kv("OPTIONS", atomStr(m.Options)),
		kv("HIGHESTMODSEQ", atomNum(m.HighestModSeq)),
		kv("SYNC_CRC", atomNum(m.SyncCRC)),
		kv("SYNC_CRC_ANNOT", atomNum(m.SyncCRCAnnot)),
		kv("QUOTAROOT", atomStr(m.QuotaRoot)),
		kv("ANNOTATIONS", atomBytes(m.Annotations)),
		kv("DELETED", atomBool(m.Deleted)),
		kv("RECORD", list(records)),
	}
	return Dlist{Raw: "MAILBOX " + list(fields)}, nil
}

func encodeMessageCommand(cmd Command) (Dlist, error) {
	payloads := make([]string, len(cmd.Messages))
	for i, msg := range cmd.Messages {
		payloads[i] = list([]string{
			kv("GUID", atomStr(msg.GUID)),
			kv("PARTITION", atomStr(msg.Partition)),
			kv("DATA", atomBytes(msg.Data)),
		})
	}
	return Dlist{Raw: "MESSAGE " + list(payloads)}, nil
}

func encodeExpungeCommand(cmd Command) (Dlist, error) {
	e := cmd.Expunge
	if e == nil {
		return Dlist{}, errors.New("backup: EXPUNGE command missing expunge record")
	}
	uids := make([]string, len(e.UIDs))
	for i, uid := range e.UIDs {
		uids[i] = atomNum(uid)
	}
	fields := []string{
		kv("UNIQUEID", atomStr(e.UniqueID)),
		kv("UID", list(uids)),
	}
	return Dlist{Raw: "EXPUNGE " + list(fields)}, nil
}

// --- parsing --------------------------------------------------------------

// dnode is a parsed dlist value: either a leaf atom (quoted string, bare
// atom, or number, all stored as their literal text) or a parenthesized
// list of further dnodes.
type dnode struct {
	isList bool
	atom   string
	items  []dnode
}

func (n dnode) str() string { return n.atom }

func (n dnode) num() (int64, error) {
	return strconv.ParseInt(n.atom, 10, 64)
}

func (n dnode) boolean() bool {
	return n.atom == "1"
}

func (n dnode) bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(n.atom)
}

// asKV pairs up a list's items into a key/value map, where keys are the
// even-indexed bare atoms and values are the following node. This mirrors
// the kvlist shape the original dlist_newkvlist/dlist_setatom calls build.
func (n dnode) asKV() (map[string]dnode, error) {
	if !n.isList {
		return nil, errors.New("backup: expected a kvlist")
	}
	if len(n.items)%2 != 0 {
		return nil, errors.New("backup: kvlist has an odd number of elements")
	}
	m := make(map[string]dnode, len(n.items)/2)
	for i := 0; i < len(n.items); i += 2 {
		m[n.items[i].atom] = n.items[i+1]
	}
	return m, nil
}

type dlistParser struct {
	s   string
	pos int
}

func (p *dlistParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *dlistParser) parseValue() (dnode, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return dnode{}, errors.New("backup: unexpected end of dlist")
	}
	switch p.s[p.pos] {
	case '(':
		p.pos++
		var items []dnode
		for {
			p.skipSpace()
			if p.pos >= len(p.s) {
				return dnode{}, errors.New("backup: unterminated list in dlist")
			}
			if p.s[p.pos] == ')' {
				p.pos++
				break
			}
			v, err := p.parseValue()
			if err != nil {
				return dnode{}, err
			}
			items = append(items, v)
		}
		return dnode{isList: true, items: items}, nil
	case '"':
		return p.parseQuoted()
	default:
		return p.parseBareAtom()
	}
}

func (p *dlistParser) parseQuoted() (dnode, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return dnode{}, errors.New("backup: unterminated quoted atom in dlist")
		}
		c := p.s[p.pos]
		if c == '\\' && p.pos+1 < len(p.s) {
			p.pos++
			b.WriteByte(p.s[p.pos])
			p.pos++
			continue
		}
		if c == '"' {
			p.pos++
			return dnode{atom: b.String()}, nil
		}
		b.WriteByte(c)
		p.pos++
	}
}

func (p *dlistParser) parseBareAtom() (dnode, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ' ' && p.s[p.pos] != '(' && p.s[p.pos] != ')' {
		p.pos++
	}
	if p.pos == start {
		return dnode{}, fmt.Errorf("backup: invalid dlist token at offset %d", start)
	}
	return dnode{atom: p.s[start:p.pos]}, nil
}

// ParseCommand parses dlist text (the part of an APPLY line after the
// timestamp and "APPLY " marker) into a structured Command.
func ParseCommand(dlist Dlist) (Command, error) {
	p := &dlistParser{s: dlist.Raw}
	p.skipSpace()
	verbStart := p.pos
	for p.pos < len(p.s) && p.s[p.pos] != ' ' {
		p.pos++
	}
	if p.pos == verbStart {
		return Command{}, errors.New("backup: dlist missing verb")
	}
	verb := Verb(p.s[verbStart:p.pos])

	body, err := p.parseValue()
	if err != nil {
		return Command{}, fmt.Errorf("backup: parse dlist body: %w", err)
	}
	kvs, err := body.asKV()
	if err != nil {
		return Command{}, fmt.Errorf("backup: parse %s body: %w", verb, err)
	}

	switch verb {
	case VerbMailbox:
		return decodeMailboxCommand(kvs)
	case VerbMessage:
		return decodeMessageCommand(kvs, body)
	case VerbExpunge:
		return decodeExpungeCommand(kvs)
	default:
		return Command{}, fmt.Errorf("backup: unrecognized command verb %q", verb)
	}
}

func decodeMailboxCommand(kvs map[string]dnode) (Command, error) {
	uniqueid, ok := kvs["UNIQUEID"]
	if !ok {
		return Command{}, errors.New("backup: MAILBOX command missing UNIQUEID")
	}
	mboxname, ok := kvs["MBOXNAME"]
	if !ok {
		return Command{}, errors.New("backup: MAILBOX command missing MBOXNAME")
	}
	highest, _ := kvs["HIGHESTMODSEQ"].num()
	crc, _ := kvs["SYNC_CRC"].num()
	crcAnnot, _ := kvs["SYNC_CRC_ANNOT"].num()
	annots, _ := kvs["ANNOTATIONS"].bytes()

	rec := &MailboxRecord{
		UniqueID:      uniqueid.str(),
		MboxName:      mboxname.str(),
		ACL:           kvs["ACL"].str(),
		Options:       kvs["OPTIONS"].str(),
		HighestModSeq: highest,
		SyncCRC:       crc,
		SyncCRCAnnot:  crcAnnot,
		QuotaRoot:     kvs["QUOTAROOT"].str(),
		Annotations:   annots,
		Deleted:       kvs["DELETED"].boolean(),
	}

	var records []MailboxMessageRecord
	if recordList, ok := kvs["RECORD"]; ok && recordList.isList {
		for _, item := range recordList.items {
			if !item.isList {
				continue
			}
			rkvs, err := item.asKV()
			if err != nil {
				return Command{}, fmt.Errorf("backup: parse RECORD entry: %w", err)
			}
			uid, _ := rkvs["UID"].num()
			modseq, _ := rkvs["MODSEQ"].num()
			internaldate, _ := rkvs["INTERNALDATE"].num()
			size, _ := rkvs["SIZE"].num()
			rannots, _ := rkvs["ANNOTATIONS"].bytes()
			records = append(records, MailboxMessageRecord{
				UID:          uid,
				ModSeq:       modseq,
				Flags:        rkvs["FLAGS"].str(),
				InternalDate: internaldate,
				GUID:         rkvs["GUID"].str(),
				Size:         size,
				Annotations:  rannots,
			})
		}
	}

	return Command{Verb: VerbMailbox, Mailbox: rec, MailboxMessages: records}, nil
}

func decodeMessageCommand(_ map[string]dnode, body dnode) (Command, error) {
	var payloads []MessagePayload
	for _, item := range body.items {
		if !item.isList {
			continue
		}
		kvs, err := item.asKV()
		if err != nil {
			return Command{}, fmt.Errorf("backup: parse MESSAGE payload: %w", err)
		}
		data, _ := kvs["DATA"].bytes()
		payloads = append(payloads, MessagePayload{
			GUID:      kvs["GUID"].str(),
			Partition: kvs["PARTITION"].str(),
			Data:      data,
		})
	}
	return Command{Verb: VerbMessage, Messages: payloads}, nil
}

func decodeExpungeCommand(kvs map[string]dnode) (Command, error) {
	uniqueid, ok := kvs["UNIQUEID"]
	if !ok {
		return Command{}, errors.New("backup: EXPUNGE command missing UNIQUEID")
	}
	var uids []int64
	if uidList, ok := kvs["UID"]; ok && uidList.isList {
		for _, item := range uidList.items {
			n, err := item.num()
			if err != nil {
				return Command{}, fmt.Errorf("backup: parse EXPUNGE UID: %w", err)
			}
			uids = append(uids, n)
		}
	}
	return Command{Verb: VerbExpunge, Expunge: &ExpungeRecord{UniqueID: uniqueid.str(), UIDs: uids}}, nil
}

// --- line framing -----------------------------------------------------------

const chunkHeaderPrefix = "# cyrus backup: chunk start "

// formatChunkHeader renders a chunk's opening header line (spec §3, §6).
func formatChunkHeader(ts int64) string {
	return fmt.Sprintf("%s%d\r\n", chunkHeaderPrefix, ts)
}

// parseChunkHeader parses a chunk's opening header line, returning its
// timestamp, or a CorruptLogError if the line is not a valid header.
func parseChunkHeader(line string) (int64, error) {
	if !strings.HasPrefix(line, chunkHeaderPrefix) || !strings.HasSuffix(line, "\r\n") {
		return 0, &CorruptLogError{Reason: "missing chunk start header", err: fmt.Errorf("got %q", line)}
	}
	tsStr := strings.TrimSuffix(strings.TrimPrefix(line, chunkHeaderPrefix), "\r\n")
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, &CorruptLogError{Reason: "invalid chunk start timestamp", err: err}
	}
	return ts, nil
}

// formatApplyLine renders one command line (spec §6).
func formatApplyLine(ts int64, dlist Dlist) string {
	return fmt.Sprintf("%d APPLY %s\r\n", ts, dlist.Raw)
}

// parseApplyLine parses one command line into its timestamp and dlist text.
func parseApplyLine(line string) (ts int64, dlist Dlist, err error) {
	if !strings.HasSuffix(line, "\r\n") {
		return 0, Dlist{}, &CorruptLogError{Reason: "unterminated command line"}
	}
	trimmed := strings.TrimSuffix(line, "\r\n")
	parts := strings.SplitN(trimmed, " APPLY ", 2)
	if len(parts) != 2 {
		return 0, Dlist{}, &CorruptLogError{Reason: "malformed APPLY line", err: fmt.Errorf("line %q", line)}
	}
	ts, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, Dlist{}, &CorruptLogError{Reason: "invalid command timestamp", err: err}
	}
	return ts, Dlist{Raw: parts[1]}, nil
}
