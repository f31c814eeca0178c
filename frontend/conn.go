package frontend

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tessera-db/tessera/frontend/bind"
	"github.com/tessera-db/tessera/frontend/cache"
	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/pipeline"
	"github.com/tessera-db/tessera/frontend/wire"
	"github.com/tessera-db/tessera/frontend/xproto"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/models/tesserror"
	"github.com/tessera-db/tessera/pkg/tesslog"
	"github.com/tessera-db/tessera/pkg/txstatus"
)

const (
	protocolVersion = 196608 // 3.0
	sslRequestCode  = 80877103
	cancelRequest   = 80877102
)

// maxMessageSize bounds one framed client message.
const maxMessageSize = 1 << 27

// Conn drives one client connection: it frames incoming messages,
// routes them to pipeline entries, owns the prepared statement and
// portal name tables, the pending writers map and the output buffer.
// Single-goroutine; entries are never shared across connections.
type Conn struct {
	netConn net.Conn
	rd      *bufio.Reader

	eng          engine.Engine
	writerSource engine.WriterSource
	waiter       engine.EventWaiter

	cfg *config.FrontendCfg
	out *wire.OutBuf
	ctx *engine.ExecContext

	txState txstatus.TXStatus

	current         *pipeline.Entry
	queue           []*pipeline.Entry
	queued          map[*pipeline.Entry]bool
	toDispose       []*pipeline.Entry
	namedStatements map[string]*pipeline.Entry
	namedPortals    map[string]*pipeline.Entry

	pendingWriters map[engine.TableToken]engine.TableWriter

	selCache *cache.SelectCache
	insCache *cache.InsertCache

	// discard extended protocol messages until the next Sync after a
	// failure mid-pipeline
	skipUntilSync bool

	msgbuf []byte
}

func NewConn(netConn net.Conn, eng engine.Engine, writerSource engine.WriterSource, cfg *config.FrontendCfg) *Conn {
	c := &Conn{
		netConn:         netConn,
		rd:              bufio.NewReaderSize(netConn, cfg.RecvBufferSize),
		eng:             eng,
		writerSource:    writerSource,
		cfg:             cfg,
		out:             wire.NewOutBuf(cfg.SendBufferSize),
		txState:         txstatus.TXIDLE,
		queued:          map[*pipeline.Entry]bool{},
		namedStatements: map[string]*pipeline.Entry{},
		namedPortals:    map[string]*pipeline.Entry{},
		pendingWriters:  map[engine.TableToken]engine.TableWriter{},
		selCache:        cache.NewSelectCache(cfg.SelectCacheCapacity),
		insCache:        cache.NewInsertCache(cfg.InsertCacheCapacity),
	}
	cb := engine.NewCircuitBreaker(time.Duration(cfg.QueryTimeoutMs) * time.Millisecond)
	c.ctx = engine.NewExecContext(context.Background(), cb)
	// a transaction keeps appending to its parked writer instead of
	// shadowing it with a fresh one
	c.writerSource = &pendingAwareWriterSource{pending: c.pendingWriters, fallback: writerSource}
	if w, ok := eng.(engine.EventWaiter); ok {
		c.waiter = w
	}
	return c
}

// Serve runs the connection to completion.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.teardown()

	if err := c.handleStartup(); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgType, size, err := c.readHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msgType == xproto.MsgTerminate {
			return nil
		}
		if msgType == xproto.MsgBind {
			// BIND bodies stream: the value area may straddle receive
			// boundaries and the arena resumes the short write
			if c.skipUntilSync {
				if _, err := c.readBody(size); err != nil {
					return err
				}
				continue
			}
			procErr, ioErr := c.msgBindStreaming(size)
			if ioErr != nil {
				if errors.Is(ioErr, io.EOF) {
					return nil
				}
				return ioErr
			}
			if procErr != nil {
				c.failPipeline(procErr)
			}
			continue
		}
		payload, err := c.readBody(size)
		if err != nil {
			return err
		}
		if err := c.processMessage(msgType, payload); err != nil {
			return err
		}
	}
}

func (c *Conn) teardown() {
	_ = c.netConn.Close()
	pipeline.FreePendingWriters(c.pendingWriters, false)
	for _, e := range c.namedPortals {
		e.Close()
	}
	for _, e := range c.namedStatements {
		e.Close()
	}
	if c.current != nil && !c.current.IsPreparedStatement() && !c.current.IsPortal() {
		c.current.Close()
	}
	c.selCache.Close()
	c.insCache.Close()
}

func (c *Conn) handleStartup() error {
	for {
		var head [4]byte
		if _, err := io.ReadFull(c.rd, head[:]); err != nil {
			return err
		}
		size := int(binary.BigEndian.Uint32(head[:])) - 4
		if size < 4 || size > maxMessageSize {
			return tesserror.Newf(tesserror.TESS_BAD_PROTOCOL, "bad startup packet length [size=%d]", size)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(c.rd, body); err != nil {
			return err
		}
		code := binary.BigEndian.Uint32(body[:4])
		switch code {
		case sslRequestCode:
			// no SSL support, the client may continue in clear text
			if _, err := c.netConn.Write([]byte{'N'}); err != nil {
				return err
			}
		case cancelRequest:
			return nil
		case protocolVersion:
			return c.completeStartup()
		default:
			return tesserror.Newf(tesserror.TESS_BAD_PROTOCOL, "unsupported protocol version [code=%d]", code)
		}
	}
}

func (c *Conn) completeStartup() error {
	// AuthenticationOk
	c.out.PutByte(xproto.MsgAuthentication)
	addr := c.out.SkipInt()
	c.out.PutUint32(0)
	c.out.PutLenAt(addr)
	for _, kv := range [][2]string{
		{"server_version", "14.2"},
		{"server_encoding", "UTF8"},
		{"client_encoding", "UTF8"},
		{"DateStyle", "ISO"},
		{"integer_datetimes", "on"},
	} {
		c.out.PutByte(xproto.MsgParameterStatus)
		addr = c.out.SkipInt()
		c.out.PutZ(kv[0])
		c.out.PutZ(kv[1])
		c.out.PutLenAt(addr)
	}
	c.out.Bookmark()
	return c.replyReadyForQuery()
}

func (c *Conn) readHeader() (byte, int, error) {
	var head [5]byte
	if _, err := io.ReadFull(c.rd, head[:]); err != nil {
		return 0, 0, err
	}
	size := int(binary.BigEndian.Uint32(head[1:])) - 4
	if size < 0 || size > maxMessageSize {
		return 0, 0, tesserror.Newf(tesserror.TESS_BAD_PROTOCOL, "bad message length [size=%d]", size)
	}
	return head[0], size, nil
}

func (c *Conn) readBody(size int) ([]byte, error) {
	if cap(c.msgbuf) < size {
		c.msgbuf = make([]byte, size)
	}
	buf := c.msgbuf[:size]
	if _, err := io.ReadFull(c.rd, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Conn) processMessage(msgType byte, payload []byte) error {
	switch msgType {
	case xproto.MsgParse, xproto.MsgDescribe, xproto.MsgExecute, xproto.MsgClose:
		if c.skipUntilSync {
			return nil
		}
		var err error
		switch msgType {
		case xproto.MsgParse:
			err = c.msgParse(payload)
		case xproto.MsgDescribe:
			err = c.msgDescribe(payload)
		case xproto.MsgExecute:
			err = c.msgExecute(payload)
		case xproto.MsgClose:
			err = c.msgClose(payload)
		}
		if err != nil {
			c.failPipeline(err)
		}
		return nil
	case xproto.MsgSync:
		return c.msgSync()
	case xproto.MsgQuery:
		return c.msgQuery(payload)
	default:
		return tesserror.Newf(tesserror.TESS_BAD_PROTOCOL, "unknown message [type=%c]", msgType)
	}
}

// failPipeline records a message processing failure: it surfaces as an
// ErrorResponse at sync time and everything until then is discarded.
func (c *Conn) failPipeline(err error) {
	c.captureIntoCurrent(err)
	c.skipUntilSync = true
	if c.txState == txstatus.TXACT {
		c.txState = txstatus.TXERR
	}
}

type pendingAwareWriterSource struct {
	pending  map[engine.TableToken]engine.TableWriter
	fallback engine.WriterSource
}

func (s *pendingAwareWriterSource) GetWriter(token engine.TableToken) (engine.TableWriter, error) {
	if w, ok := s.pending[token]; ok {
		return w, nil
	}
	return s.fallback.GetWriter(token)
}

// captureIntoCurrent records a message processing failure so the next
// sync can report it; a current entry is created on demand when the
// failure happened before one existed.
func (c *Conn) captureIntoCurrent(err error) {
	if c.current == nil {
		c.current = c.newEntry()
	}
	c.touch(c.current)
	c.current.CaptureError(err)
}

func (c *Conn) newEntry() *pipeline.Entry {
	return pipeline.NewEntry(c.eng, c.cfg.MaxRecompileAttempts, c.cfg.MaxBlobSize)
}

// touch queues the entry for the next sync drain, preserving wire
// order and never queuing twice.
func (c *Conn) touch(e *pipeline.Entry) {
	if !c.queued[e] {
		c.queued[e] = true
		c.queue = append(c.queue, e)
	}
}

func (c *Conn) msgParse(payload []byte) error {
	r := wire.NewReader(payload)
	name, err := r.ReadCString("statement name")
	if err != nil {
		return err
	}
	sqlText, err := r.ReadCString("query text")
	if err != nil {
		return err
	}
	n, err := r.ReadInt16("parameter type count")
	if err != nil {
		return err
	}
	oids := make([]uint32, 0, n)
	for i := 0; i < int(n); i++ {
		oid, err := r.ReadUint32("parameter type")
		if err != nil {
			return err
		}
		oids = append(oids, oid)
	}

	c.abandonCurrent()

	entry := c.newEntry()
	entry.MsgParseCopyParameterTypes(oids)
	if err := c.setupEntryFromText(entry, sqlText); err != nil {
		// queue the entry anyway so sync reports the compile error
		entry.SetStateParse(true)
		entry.CaptureError(err)
		c.current = entry
		c.touch(entry)
		c.skipUntilSync = true
		return nil
	}
	entry.SetStateParse(true)
	if name != "" {
		// promotion to a named prepared statement
		if old, ok := c.namedStatements[name]; ok {
			old.Close()
		}
		entry.SetPreparedStatement(true, name)
		c.namedStatements[name] = entry
	}
	c.logQuery(entry, "parse")
	c.current = entry
	c.touch(entry)
	return nil
}

// setupEntryFromText picks the compiled artifact from the local caches
// when the declared parameter types allow, compiling otherwise.
func (c *Conn) setupEntryFromText(entry *pipeline.Entry, sqlText string) error {
	if sqlText == "" {
		entry.OfEmpty(sqlText)
		return nil
	}
	if tas := c.selCache.Peek(sqlText); tas != nil && cache.ReconcileParameterTypes(entry.ParseParameterOIDs(), tas.InOIDs) {
		c.selCache.Remove(sqlText)
		entry.OfCachedSelect(sqlText, tas)
		return nil
	}
	if tai := c.insCache.Peek(sqlText); tai != nil && cache.ReconcileParameterTypes(entry.ParseParameterOIDs(), tai.InOIDs) {
		c.insCache.Remove(sqlText)
		entry.OfCachedInsert(sqlText, tai)
		return nil
	}
	return entry.CompileNewSQL(c.ctx, sqlText)
}

// bindPrefix is the fixed front of a BIND message: names, parameter
// format codes and the declared value count.
type bindPrefix struct {
	portalName string
	stmtName   string
	nfmt       int16
	fmtBytes   []byte
	nvalues    int16
	end        int // offset of the value area
}

func parseBindPrefix(buf []byte) (*bindPrefix, error) {
	r := wire.NewReader(buf)
	portalName, err := r.ReadCString("portal name")
	if err != nil {
		return nil, err
	}
	stmtName, err := r.ReadCString("statement name")
	if err != nil {
		return nil, err
	}
	nfmt, err := r.ReadInt16("parameter format count")
	if err != nil {
		return nil, err
	}
	fmtBytes, err := r.ReadBytes(2*int(nfmt), "parameter formats")
	if err != nil {
		return nil, err
	}
	nvalues, err := r.ReadInt16("parameter value count")
	if err != nil {
		return nil, err
	}
	return &bindPrefix{
		portalName: portalName,
		stmtName:   stmtName,
		nfmt:       nfmt,
		fmtBytes:   fmtBytes,
		nvalues:    nvalues,
		end:        r.Pos(),
	}, nil
}

func (c *Conn) resolveBindEntry(portalName, stmtName string) (*pipeline.Entry, error) {
	src := c.current
	if stmtName != "" {
		var ok bool
		if src, ok = c.namedStatements[stmtName]; !ok {
			return nil, tesserror.Newf(tesserror.TESS_NO_SUCH_STATEMENT, "prepared statement \"%s\" does not exist", stmtName)
		}
	}
	if src == nil {
		return nil, tesserror.New(tesserror.TESS_NO_SUCH_STATEMENT, "prepared statement \"\" does not exist")
	}

	// an entry that was already executed in this pipeline keeps
	// streaming through its clone; the clone shares parse-time state
	entry := src.CopyIfExecuted()
	if entry != src {
		entry.SetParentPreparedStatement(src)
	}

	if portalName != "" {
		if _, ok := c.namedPortals[portalName]; ok {
			return nil, tesserror.Newf(tesserror.TESS_NO_SUCH_PORTAL, "portal \"%s\" already exists", portalName)
		}
		entry.SetPortal(true, portalName)
		c.namedPortals[portalName] = entry
		src.BindPortalName(portalName)
	}
	return entry, nil
}

// msgBindStreaming consumes a BIND body of the given size without
// waiting for all of it to arrive. The prefix is re-attempted as bytes
// come in (side effect free until it parses); the value area then
// feeds the entry's arena, which keeps short writes across receive
// boundaries. Returns a protocol/semantic failure separately from a
// socket failure; the body is fully consumed in the former case.
func (c *Conn) msgBindStreaming(size int) (procErr error, ioErr error) {
	if cap(c.msgbuf) < size {
		c.msgbuf = make([]byte, size)
	}
	buf := c.msgbuf[:size]
	have := 0

	var prefix *bindPrefix
	for {
		p, err := parseBindPrefix(buf[:have])
		if err == nil {
			prefix = p
			break
		}
		if have == size {
			// the whole message is here and the prefix still does
			// not parse
			return err, nil
		}
		n, rerr := c.rd.Read(buf[have:size])
		have += n
		if rerr != nil {
			return nil, rerr
		}
	}

	entry, err := c.resolveBindEntry(prefix.portalName, prefix.stmtName)
	if err != nil {
		return err, c.discardBody(buf, have)
	}
	if err := entry.MsgBindCopyParameterFormatCodes(wire.NewReader(prefix.fmtBytes), prefix.nfmt, prefix.nvalues); err != nil {
		return err, c.discardBody(buf, have)
	}

	pos := prefix.end
	entry.MsgBindBeginParameterValues()
	for {
		consumed, err := entry.MsgBindIngestParameterValues(buf[pos:have])
		pos += consumed
		if err == nil {
			break
		}
		if !errors.Is(err, bind.ErrIncomplete) {
			return err, c.discardBody(buf, have)
		}
		if have == size {
			// the value area declares more bytes than the message has
			return xproto.Kaput("malformed bind variable"), nil
		}
		n, rerr := c.rd.Read(buf[have:size])
		have += n
		if rerr != nil {
			return nil, rerr
		}
	}

	// the result format section is whatever remains of the message
	if have < size {
		if _, rerr := io.ReadFull(c.rd, buf[have:size]); rerr != nil {
			return nil, rerr
		}
		have = size
	}
	tr := wire.NewReader(buf[pos:size])
	nres, err := tr.ReadInt16("result format count")
	if err != nil {
		return err, nil
	}
	if err := entry.MsgBindCopySelectFormatCodes(tr, nres); err != nil {
		return err, nil
	}

	entry.SetStateBind(true)
	c.current = entry
	c.touch(entry)
	return nil, nil
}

// discardBody drains the unread remainder of the message so the next
// header read stays aligned.
func (c *Conn) discardBody(buf []byte, have int) error {
	if have < len(buf) {
		_, err := io.ReadFull(c.rd, buf[have:])
		return err
	}
	return nil
}

func (c *Conn) msgDescribe(payload []byte) error {
	r := wire.NewReader(payload)
	kind, err := r.ReadByte("describe kind")
	if err != nil {
		return err
	}
	name, err := r.ReadCString("describe target")
	if err != nil {
		return err
	}

	var entry *pipeline.Entry
	switch kind {
	case xproto.DescribeStatement:
		entry = c.current
		if name != "" {
			var ok bool
			if entry, ok = c.namedStatements[name]; !ok {
				return tesserror.Newf(tesserror.TESS_NO_SUCH_STATEMENT, "prepared statement \"%s\" does not exist", name)
			}
		}
		if entry == nil {
			return tesserror.New(tesserror.TESS_NO_SUCH_STATEMENT, "prepared statement \"\" does not exist")
		}
		entry.SetStateDesc(xproto.DescNamedStatement)
	case xproto.DescribePortal:
		entry = c.current
		if name != "" {
			var ok bool
			if entry, ok = c.namedPortals[name]; !ok {
				return tesserror.Newf(tesserror.TESS_NO_SUCH_PORTAL, "portal \"%s\" does not exist", name)
			}
			entry.SetStateDesc(xproto.DescPortal)
		} else {
			if entry == nil {
				return tesserror.New(tesserror.TESS_NO_SUCH_PORTAL, "portal \"\" does not exist")
			}
			entry.SetStateDesc(xproto.DescUnnamedPortal)
		}
	default:
		return tesserror.Newf(tesserror.TESS_BAD_PROTOCOL, "invalid describe kind [kind=%c]", kind)
	}
	c.current = entry
	c.touch(entry)
	return nil
}

func (c *Conn) msgExecute(payload []byte) error {
	r := wire.NewReader(payload)
	portalName, err := r.ReadCString("portal name")
	if err != nil {
		return err
	}
	maxRows, err := r.ReadInt32("row limit")
	if err != nil {
		return err
	}

	entry := c.current
	if portalName != "" {
		var ok bool
		if entry, ok = c.namedPortals[portalName]; !ok {
			return tesserror.Newf(tesserror.TESS_NO_SUCH_PORTAL, "portal \"%s\" does not exist", portalName)
		}
	}
	if entry == nil {
		return tesserror.New(tesserror.TESS_NO_SUCH_PORTAL, "portal \"\" does not exist")
	}

	entry.SetReturnRowCountLimit(maxRows)
	entry.SetStateExec(true)
	c.logQuery(entry, "execute")
	c.txState = entry.MsgExecute(c.ctx, c.txState, c.insCache, c.pendingWriters, c.writerSource)
	if entry.IsError() && c.txState == txstatus.TXACT {
		c.txState = txstatus.TXERR
	}
	c.current = entry
	c.touch(entry)
	return nil
}

func (c *Conn) msgClose(payload []byte) error {
	r := wire.NewReader(payload)
	kind, err := r.ReadByte("close kind")
	if err != nil {
		return err
	}
	name, err := r.ReadCString("close target")
	if err != nil {
		return err
	}

	switch kind {
	case xproto.CloseStatement:
		if name == "" {
			if c.current != nil {
				c.current.SetStateClosed(true)
				c.touch(c.current)
				c.markDisposal(c.current)
			}
			return nil
		}
		entry, ok := c.namedStatements[name]
		if !ok {
			// closing a non-existent statement is not an error
			c.captureCloseComplete()
			return nil
		}
		delete(c.namedStatements, name)
		// portals bound from this statement go down with it
		for _, portalName := range entry.PortalNames() {
			if p, ok := c.namedPortals[portalName]; ok {
				delete(c.namedPortals, portalName)
				if p != entry {
					c.markDisposal(p)
				}
			}
		}
		entry.SetStateClosed(true)
		c.touch(entry)
		c.markDisposal(entry)
	case xproto.ClosePortal:
		if name == "" {
			c.captureCloseComplete()
			return nil
		}
		entry, ok := c.namedPortals[name]
		if !ok {
			c.captureCloseComplete()
			return nil
		}
		delete(c.namedPortals, name)
		entry.SetStateClosed(true)
		c.touch(entry)
		c.markDisposal(entry)
	default:
		return tesserror.Newf(tesserror.TESS_BAD_PROTOCOL, "invalid close kind [kind=%c]", kind)
	}
	return nil
}

// captureCloseComplete acknowledges a CLOSE that resolved to nothing:
// the protocol still wants a CloseComplete.
func (c *Conn) captureCloseComplete() {
	if c.current == nil {
		c.current = c.newEntry()
	}
	c.current.SetStateClosed(true)
	c.touch(c.current)
}

func (c *Conn) markDisposal(e *pipeline.Entry) {
	c.toDispose = append(c.toDispose, e)
}

// abandonCurrent hands the anonymous current entry's artifacts back to
// the caches once nothing can reference it anymore.
func (c *Conn) abandonCurrent() {
	e := c.current
	c.current = nil
	if e == nil || e.IsPreparedStatement() || e.IsPortal() {
		return
	}
	if c.queued[e] {
		// still owed a sync; dispose after the drain
		return
	}
	e.CacheIfPossible(c.selCache, c.insCache)
	e.Close()
}

func (c *Conn) msgSync() error {
	err := c.drainPipeline()
	if err != nil {
		return err
	}
	c.skipUntilSync = false
	return c.replyReadyForQuery()
}

// drainPipeline syncs every queued entry in wire order, handling
// buffer overflow flushes and cold storage pauses.
func (c *Conn) drainPipeline() error {
	for _, entry := range c.queue {
		if err := c.syncEntry(entry); err != nil {
			return err
		}
	}
	// release everything the drain retired
	for _, entry := range c.toDispose {
		if entry == c.current {
			c.current = nil
		}
		entry.CacheIfPossible(c.selCache, c.insCache)
		entry.Close()
	}
	c.toDispose = c.toDispose[:0]
	for _, entry := range c.queue {
		delete(c.queued, entry)
		if entry != c.current && !entry.IsPreparedStatement() && !entry.IsPortal() {
			entry.CacheIfPossible(c.selCache, c.insCache)
			entry.Close()
		}
	}
	c.queue = c.queue[:0]
	return nil
}

func (c *Conn) syncEntry(entry *pipeline.Entry) error {
	for {
		err := entry.MsgSync(c.ctx, c.pendingWriters, c.out)
		if err == nil {
			return nil
		}
		if errors.Is(err, wire.ErrNoSpace) {
			n, ferr := c.out.FlushToBookmark(c.netConn)
			if ferr != nil {
				return ferr
			}
			if n == 0 {
				// an atomic write larger than the whole buffer; the
				// protocol cannot carry it
				return tesserror.New(tesserror.TESS_BAD_PROTOCOL, "response does not fit the send buffer")
			}
			continue
		}
		var paused *pipeline.PausedError
		if errors.As(err, &paused) {
			if c.waiter == nil {
				entry.CaptureError(fmt.Errorf("data unavailable and no wake-up source [event=%d]", paused.Event))
				continue
			}
			if werr := c.waiter.WaitEvent(c.ctx.Context, paused.Event); werr != nil {
				entry.CaptureError(werr)
			}
			continue
		}
		return err
	}
}

// msgQuery is the simple query path: parse, execute and stream in one
// turn, text format only. Multi-statement strings are not split.
func (c *Conn) msgQuery(payload []byte) error {
	r := wire.NewReader(payload)
	sqlText, err := r.ReadCString("query text")
	if err != nil {
		return err
	}

	c.abandonCurrent()

	entry := c.newEntry()
	c.current = entry
	c.touch(entry)
	if err := c.setupEntryFromText(entry, sqlText); err != nil {
		entry.CaptureError(err)
	} else if sqlText != "" {
		c.logQuery(entry, "query")
		if entry.IsFactory() {
			entry.SetStateDesc(xproto.DescUnnamedPortal)
		}
		entry.SetStateExec(true)
		c.txState = entry.MsgExecute(c.ctx, c.txState, c.insCache, c.pendingWriters, c.writerSource)
		if entry.IsError() && c.txState == txstatus.TXACT {
			c.txState = txstatus.TXERR
		}
	}
	if err := c.drainPipeline(); err != nil {
		return err
	}
	return c.replyReadyForQuery()
}

func (c *Conn) replyReadyForQuery() error {
	c.out.PutByte(xproto.MsgReadyForQuery)
	addr := c.out.SkipInt()
	c.out.PutByte(byte(c.txState))
	c.out.PutLenAt(addr)
	if err := c.out.Err(); err != nil {
		return err
	}
	c.out.Bookmark()
	_, err := c.out.FlushToBookmark(c.netConn)
	return err
}

func (c *Conn) logQuery(entry *pipeline.Entry, phase string) {
	if entry.SqlTextHasSecret() {
		tesslog.Zero.Debug().
			Uint("client", tesslog.GetPointer(c)).
			Str("phase", phase).
			Msg("processing query with secret")
		return
	}
	tesslog.Zero.Debug().
		Uint("client", tesslog.GetPointer(c)).
		Str("phase", phase).
		Str("query", entry.SqlText()).
		Msg("processing query")
}
