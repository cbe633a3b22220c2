package imapclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/inboxkit/imapcore"
	"github.com/inboxkit/imapcore/internal"
	"github.com/inboxkit/imapcore/internal/imapwire"
)

func returnSearchOptions(options *imapcore.SearchOptions) []string {
	if options == nil {
		return nil
	}

	m := map[string]bool{
		"MIN":   options.ReturnMin,
		"MAX":   options.ReturnMax,
		"ALL":   options.ReturnAll,
		"COUNT": options.ReturnCount,
	}

	var l []string
	for k, ret := range m {
		if ret {
			l = append(l, k)
		}
	}
	return l
}

// searchCharsetLadder returns the next charset to declare for a retried
// search, preferring UTF-8 and falling back to the charsets the server
// listed as supported in a prior BADCHARSET response, in the server's
// order, skipping any charset already tried (compared by canonical IANA
// name). ok is false
// once the ladder is exhausted. An empty, ok==true result means the next
// rung is the implicit default charset (US-ASCII), which is declared by
// omitting CHARSET entirely rather than spelling it out.
func searchCharsetLadder(supported []string, tried map[string]bool) (name string, ok bool) {
	rungs := append([]string{"UTF-8"}, supported...)
	for _, name := range rungs {
		canon := canonicalCharsetName(name)
		if canon == "" || tried[canon] {
			continue
		}
		if canon == "US-ASCII" {
			return "", true
		}
		return name, true
	}
	if !tried["US-ASCII"] {
		return "", true
	}
	return "", false
}

// canonicalCharsetName resolves name to its IANA MIME-preferred form, so a
// server's BADCHARSET list can be matched against our ladder regardless of
// case or aliasing (e.g. "utf8" vs "UTF-8").
func canonicalCharsetName(name string) string {
	enc, err := ianaindex.MIME.Encoding(name)
	if err != nil || enc == nil {
		return strings.ToUpper(name)
	}
	canon, err := ianaindex.MIME.Name(enc)
	if err != nil || canon == "" {
		return strings.ToUpper(name)
	}
	return strings.ToUpper(canon)
}

func (c *Client) search(numKind imapwire.NumKind, criteria *imapcore.SearchCriteria, options *imapcore.SearchOptions, charset string, tried map[string]bool, alreadyRetried bool) *SearchCommand {
	var all imapcore.NumSet
	switch numKind {
	case imapwire.NumKindSeq:
		all = imapcore.SeqSet(nil)
	case imapwire.NumKindUID:
		all = imapcore.UIDSet(nil)
	}

	if tried == nil {
		tried = map[string]bool{}
	}
	cmd := &SearchCommand{
		client:   c,
		numKind:  numKind,
		criteria: criteria,
		options:  options,
		tried:    tried,
		retried:  alreadyRetried,
	}
	if charset != "" {
		cmd.tried[canonicalCharsetName(charset)] = true
	}
	cmd.data.All = all
	if err := c.validateSearchCriteria(criteria); err != nil {
		failCommandNow(cmd, err)
		return cmd
	}
	enc := c.beginCommand(uidCmdName("SEARCH", numKind), cmd)
	if returnOpts := returnSearchOptions(options); len(returnOpts) > 0 {
		enc.SP().Atom("RETURN").SP().List(len(returnOpts), func(i int) {
			enc.Atom(returnOpts[i])
		})
	}
	enc.SP()
	if charset != "" {
		enc.Atom("CHARSET").SP().Atom(charset).SP()
	}
	writeSearchKey(enc.Encoder, criteria)
	enc.end()
	return cmd
}

// searchCharset picks the CHARSET to declare for a fresh (non-retry)
// search. IMAP4rev2's default search charset is UTF-8, and declaring any
// CHARSET is invalid once UTF8=ACCEPT is enabled.
func (c *Client) searchCharset(criteria *imapcore.SearchCriteria) string {
	if c.Caps().Has(imapcore.CapIMAP4rev2) || c.enabled.Has(imapcore.CapUTF8Accept) || searchCriteriaIsASCII(criteria) {
		return ""
	}
	return "UTF-8"
}

// Search sends a SEARCH command.
func (c *Client) Search(criteria *imapcore.SearchCriteria, options *imapcore.SearchOptions) *SearchCommand {
	return c.search(imapwire.NumKindSeq, criteria, options, c.searchCharset(criteria), nil, false)
}

// UIDSearch sends a UID SEARCH command.
func (c *Client) UIDSearch(criteria *imapcore.SearchCriteria, options *imapcore.SearchOptions) *SearchCommand {
	return c.search(imapwire.NumKindUID, criteria, options, c.searchCharset(criteria), nil, false)
}

func (c *Client) handleSearch() error {
	cmd := findPendingCmdByType[*SearchCommand](c)
	for c.dec.SP() {
		if c.dec.Special('(') {
			var name string
			if !c.dec.ExpectAtom(&name) || !c.dec.ExpectSP() {
				return c.dec.Err()
			} else if strings.ToUpper(name) != "MODSEQ" {
				return fmt.Errorf("in search-sort-mod-seq: expected %q, got %q", "MODSEQ", name)
			}
			var modSeq uint64
			if !c.dec.ExpectModSeq(&modSeq) || !c.dec.ExpectSpecial(')') {
				return c.dec.Err()
			}
			if cmd != nil {
				cmd.data.ModSeq = modSeq
			}
			break
		}

		var num uint32
		if !c.dec.ExpectNumber(&num) {
			return c.dec.Err()
		}
		if cmd != nil {
			switch all := cmd.data.All.(type) {
			case imapcore.SeqSet:
				all.AddNum(num)
				cmd.data.All = all
			case imapcore.UIDSet:
				all.AddNum(imapcore.UID(num))
				cmd.data.All = all
			}
		}
	}
	return nil
}

func (c *Client) handleESearch() error {
	if !c.dec.ExpectSP() {
		return c.dec.Err()
	}
	tag, data, err := readESearchResponse(c.dec)
	if err != nil {
		return err
	}
	cmd := c.findPendingCmdFunc(func(anyCmd command) bool {
		cmd, ok := anyCmd.(*SearchCommand)
		if !ok {
			return false
		}
		if tag != "" {
			return cmd.tag == tag
		} else {
			return true
		}
	})
	if cmd != nil {
		cmd := cmd.(*SearchCommand)
		cmd.data = *data
	}
	return nil
}

// SearchCommand is a SEARCH command.
type SearchCommand struct {
	commandBase
	data imapcore.SearchData

	client   *Client
	numKind  imapwire.NumKind
	criteria *imapcore.SearchCriteria
	options  *imapcore.SearchOptions
	tried    map[string]bool
	retried  bool
}

// Wait blocks until the command has completed.
//
// If the server rejects the declared CHARSET with a BADCHARSET response
// code, the search is retried exactly once with the next charset in the
// ladder (see section 4.F of the search compiler design); a second
// BADCHARSET is returned to the caller as-is.
func (cmd *SearchCommand) Wait() (*imapcore.SearchData, error) {
	err := cmd.wait()
	var imapErr *imapcore.Error
	if !cmd.retried && errors.As(err, &imapErr) && imapErr.Code == imapcore.ResponseCodeBadCharset && cmd.client != nil {
		if next, ok := searchCharsetLadder(imapErr.BadCharsetSupported, cmd.tried); ok {
			retry := cmd.client.search(cmd.numKind, cmd.criteria, cmd.options, next, cmd.tried, true)
			return retry.Wait()
		}
	}
	return &cmd.data, err
}

func writeSearchKey(enc *imapwire.Encoder, criteria *imapcore.SearchCriteria) {
	firstItem := true
	encodeItem := func() *imapwire.Encoder {
		if !firstItem {
			enc.SP()
		}
		firstItem = false
		return enc
	}

	for _, seqSet := range criteria.SeqNum {
		encodeItem().NumSet(seqSet)
	}
	for _, uidSet := range criteria.UID {
		encodeItem().Atom("UID").SP().NumSet(uidSet)
	}

	if !criteria.Since.IsZero() && !criteria.Before.IsZero() && criteria.Before.Sub(criteria.Since) == 24*time.Hour {
		encodeItem().Atom("ON").SP().String(criteria.Since.Format(internal.DateLayout))
	} else {
		if !criteria.Since.IsZero() {
			encodeItem().Atom("SINCE").SP().String(criteria.Since.Format(internal.DateLayout))
		}
		if !criteria.Before.IsZero() {
			encodeItem().Atom("BEFORE").SP().String(criteria.Before.Format(internal.DateLayout))
		}
	}
	if !criteria.SentSince.IsZero() && !criteria.SentBefore.IsZero() && criteria.SentBefore.Sub(criteria.SentSince) == 24*time.Hour {
		encodeItem().Atom("SENTON").SP().String(criteria.SentSince.Format(internal.DateLayout))
	} else {
		if !criteria.SentSince.IsZero() {
			encodeItem().Atom("SENTSINCE").SP().String(criteria.SentSince.Format(internal.DateLayout))
		}
		if !criteria.SentBefore.IsZero() {
			encodeItem().Atom("SENTBEFORE").SP().String(criteria.SentBefore.Format(internal.DateLayout))
		}
	}

	for _, kv := range criteria.Header {
		switch k := strings.ToUpper(kv.Key); k {
		case "BCC", "CC", "FROM", "SUBJECT", "TO":
			encodeItem().Atom(k)
		default:
			encodeItem().Atom("HEADER").SP().String(kv.Key)
		}
		enc.SP().String(kv.Value)
	}

	for _, s := range criteria.Body {
		encodeItem().Atom("BODY").SP().String(s)
	}
	for _, s := range criteria.Text {
		encodeItem().Atom("TEXT").SP().String(s)
	}

	for _, flag := range criteria.Flag {
		if k := flagSearchKey(flag); k != "" {
			encodeItem().Atom(k)
		} else {
			encodeItem().Atom("KEYWORD").SP().Flag(flag)
		}
	}
	for _, flag := range criteria.NotFlag {
		if k := flagSearchKey(flag); k != "" {
			encodeItem().Atom("UN" + k)
		} else {
			encodeItem().Atom("UNKEYWORD").SP().Flag(flag)
		}
	}

	if criteria.Larger > 0 {
		encodeItem().Atom("LARGER").SP().Number64(criteria.Larger)
	}
	if criteria.Smaller > 0 {
		encodeItem().Atom("SMALLER").SP().Number64(criteria.Smaller)
	}

	if modSeq := criteria.ModSeq; modSeq != nil {
		encodeItem().Atom("MODSEQ")
		if modSeq.MetadataName != "" && modSeq.MetadataType != "" {
			enc.SP().Quoted(modSeq.MetadataName).SP().Atom(string(modSeq.MetadataType))
		}
		enc.SP()
		if modSeq.ModSeq != 0 {
			enc.ModSeq(modSeq.ModSeq)
		} else {
			enc.Atom("0")
		}
	}

	for _, not := range criteria.Not {
		encodeItem().Atom("NOT").SP()
		enc.Special('(')
		writeSearchKey(enc, &not)
		enc.Special(')')
	}
	for _, or := range criteria.Or {
		encodeItem().Atom("OR").SP()
		enc.Special('(')
		writeSearchKey(enc, &or[0])
		enc.Special(')')
		enc.SP()
		enc.Special('(')
		writeSearchKey(enc, &or[1])
		enc.Special(')')
	}

	for _, name := range criteria.Filter {
		encodeItem().Atom("FILTER").SP().String(name)
	}
	if criteria.Fuzzy != nil {
		encodeItem().Atom("FUZZY").SP()
		enc.Special('(')
		writeSearchKey(enc, criteria.Fuzzy)
		enc.Special(')')
	}
	for _, ann := range criteria.Annotation {
		encodeItem().Atom("ANNOTATION").SP().String(ann.Entry).SP().String(ann.Attribute).SP().String(ann.Value)
	}

	if criteria.Older > 0 {
		encodeItem().Atom("OLDER").SP().Number(uint32(criteria.Older / time.Second))
	}
	if criteria.Younger > 0 {
		encodeItem().Atom("YOUNGER").SP().Number(uint32(criteria.Younger / time.Second))
	}

	if !criteria.SaveDateSince.IsZero() && !criteria.SaveDateBefore.IsZero() && criteria.SaveDateBefore.Sub(criteria.SaveDateSince) == 24*time.Hour {
		encodeItem().Atom("SAVEDATEON").SP().String(criteria.SaveDateSince.Format(internal.DateLayout))
	} else {
		if !criteria.SaveDateSince.IsZero() {
			encodeItem().Atom("SAVEDATESINCE").SP().String(criteria.SaveDateSince.Format(internal.DateLayout))
		}
		if !criteria.SaveDateBefore.IsZero() {
			encodeItem().Atom("SAVEDATEBEFORE").SP().String(criteria.SaveDateBefore.Format(internal.DateLayout))
		}
	}

	if criteria.GMailRaw != "" {
		encodeItem().Atom("X-GM-RAW").SP().String(criteria.GMailRaw)
	}
	if criteria.GMailMessageID != 0 {
		encodeItem().Atom("X-GM-MSGID").SP().Number64(int64(criteria.GMailMessageID))
	}
	if criteria.GMailThreadID != 0 {
		encodeItem().Atom("X-GM-THRID").SP().Number64(int64(criteria.GMailThreadID))
	}
	for _, label := range criteria.GMailLabels {
		encodeItem().Atom("X-GM-LABELS").SP().String(label)
	}

	if firstItem {
		enc.Atom("ALL")
	}
}

// validateSearchCriteria checks every capability-gated AST variant in
// criteria (walking Not/Or/Fuzzy subtrees) against the capabilities the
// server has advertised, returning Unsupported(<feature>) for the first
// one that isn't backed by a capability.
func (c *Client) validateSearchCriteria(criteria *imapcore.SearchCriteria) error {
	caps := c.Caps()

	if len(criteria.Filter) > 0 && !caps.Has(imapcore.CapFilters) {
		return unsupportedError("FILTER")
	}
	if criteria.Fuzzy != nil {
		if !caps.Has(imapcore.CapSearchFuzzy) {
			return unsupportedError("SEARCH=FUZZY")
		}
		if err := c.validateSearchCriteria(criteria.Fuzzy); err != nil {
			return err
		}
	}
	if len(criteria.Annotation) > 0 && !caps.Has(imapcore.CapMetadata) && !caps.Has(imapcore.CapMetadataServer) {
		return unsupportedError("ANNOTATION")
	}
	if (criteria.Older != 0 || criteria.Younger != 0) && !caps.Has(imapcore.CapWithin) {
		return unsupportedError("WITHIN")
	}
	if (!criteria.SaveDateSince.IsZero() || !criteria.SaveDateBefore.IsZero()) && !caps.Has(imapcore.CapSaveDate) {
		return unsupportedError("SAVEDATE")
	}
	hasGMail := criteria.GMailRaw != "" || criteria.GMailMessageID != 0 || criteria.GMailThreadID != 0 || len(criteria.GMailLabels) > 0
	if hasGMail && !caps.Has(imapcore.CapXGMExt1) {
		return unsupportedError("X-GM-EXT-1")
	}

	for i := range criteria.Not {
		if err := c.validateSearchCriteria(&criteria.Not[i]); err != nil {
			return err
		}
	}
	for i := range criteria.Or {
		if err := c.validateSearchCriteria(&criteria.Or[i][0]); err != nil {
			return err
		}
		if err := c.validateSearchCriteria(&criteria.Or[i][1]); err != nil {
			return err
		}
	}
	return nil
}

func flagSearchKey(flag imapcore.Flag) string {
	switch flag {
	case imapcore.FlagAnswered, imapcore.FlagDeleted, imapcore.FlagDraft, imapcore.FlagFlagged, imapcore.FlagSeen:
		return strings.ToUpper(strings.TrimPrefix(string(flag), "\\"))
	default:
		return ""
	}
}

func readESearchResponse(dec *imapwire.Decoder) (tag string, data *imapcore.SearchData, err error) {
	data = &imapcore.SearchData{}
	if dec.Special('(') { // search-correlator
		var correlator string
		if !dec.ExpectAtom(&correlator) || !dec.ExpectSP() || !dec.ExpectAString(&tag) || !dec.ExpectSpecial(')') {
			return "", nil, dec.Err()
		}
		if correlator != "TAG" {
			return "", nil, fmt.Errorf("in search-correlator: name must be TAG, but got %q", correlator)
		}
	}

	var name string
	if !dec.SP() {
		return tag, data, nil
	} else if !dec.ExpectAtom(&name) {
		return "", nil, dec.Err()
	}
	data.UID = name == "UID"

	if data.UID {
		if !dec.SP() {
			return tag, data, nil
		} else if !dec.ExpectAtom(&name) {
			return "", nil, dec.Err()
		}
	}

	for {
		if !dec.ExpectSP() {
			return "", nil, dec.Err()
		}

		switch strings.ToUpper(name) {
		case "MIN":
			var num uint32
			if !dec.ExpectNumber(&num) {
				return "", nil, dec.Err()
			}
			data.Min = num
		case "MAX":
			var num uint32
			if !dec.ExpectNumber(&num) {
				return "", nil, dec.Err()
			}
			data.Max = num
		case "ALL":
			numKind := imapwire.NumKindSeq
			if data.UID {
				numKind = imapwire.NumKindUID
			}
			if !dec.ExpectNumSet(numKind, &data.All) {
				return "", nil, dec.Err()
			}
			if data.All.Dynamic() {
				return "", nil, fmt.Errorf("imapclient: server returned a dynamic ALL number set, which is invalid in a SEARCH response")
			}
		case "COUNT":
			var num uint32
			if !dec.ExpectNumber(&num) {
				return "", nil, dec.Err()
			}
			data.Count = num
		case "MODSEQ":
			var modSeq uint64
			if !dec.ExpectModSeq(&modSeq) {
				return "", nil, dec.Err()
			}
			data.ModSeq = modSeq
		default:
			if !dec.DiscardValue() {
				return "", nil, dec.Err()
			}
		}

		if !dec.SP() {
			break
		} else if !dec.ExpectAtom(&name) {
			return "", nil, dec.Err()
		}
	}

	return tag, data, nil
}

func searchCriteriaIsASCII(criteria *imapcore.SearchCriteria) bool {
	for _, kv := range criteria.Header {
		if !isASCII(kv.Key) || !isASCII(kv.Value) {
			return false
		}
	}
	for _, s := range criteria.Body {
		if !isASCII(s) {
			return false
		}
	}
	for _, s := range criteria.Text {
		if !isASCII(s) {
			return false
		}
	}
	for _, not := range criteria.Not {
		if !searchCriteriaIsASCII(&not) {
			return false
		}
	}
	for _, or := range criteria.Or {
		if !searchCriteriaIsASCII(&or[0]) || !searchCriteriaIsASCII(&or[1]) {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
