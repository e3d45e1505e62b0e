// Package redisstub runs an in-process RESP2 server implementing the subset
// of Redis used by the status store and message bus: strings with expiry,
// optimistic transactions (WATCH/MULTI/EXEC), SCAN and stream appends.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	values   map[string]*valueEntry
	streams  map[string][]StreamEntry
	versions map[string]uint64
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

// StreamEntry is one appended stream record.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

type valueEntry struct {
	value  string
	expiry time.Time
}

type session struct {
	authenticated bool
	watched       map[string]uint64
	inMulti       bool
	multiFailed   bool
	queued        [][]string
}

type (
	simpleString string
	errorReply   string
	nilBulk      struct{}
	nilArray     struct{}
)

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		values:   make(map[string]*valueEntry),
		streams:  make(map[string][]StreamEntry),
		versions: make(map[string]uint64),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

// Get returns the string stored at key.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

// Set stores value at key as if a client had written it, invalidating
// watchers.
func (s *Server) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = &valueEntry{value: value}
	s.versions[key]++
}

// Entries returns a copy of the records appended to stream.
func (s *Server) Entries(stream string) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.streams[stream]
	out := make([]StreamEntry, len(entries))
	for i, entry := range entries {
		values := make(map[string]string, len(entry.Values))
		for k, v := range entry.Values {
			values[k] = v
		}
		out[i] = StreamEntry{ID: entry.ID, Values: values}
	}
	return out
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	sess := &session{authenticated: s.opts.Password == ""}
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		reply := s.handle(sess, args)
		if err := writeReply(writer, reply); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
		if len(args) > 0 && strings.EqualFold(args[0], "QUIT") {
			return
		}
	}
}

func (s *Server) handle(sess *session, args []string) interface{} {
	if len(args) == 0 {
		return errorReply("ERR wrong number of arguments")
	}
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "AUTH":
		return s.auth(sess, args)
	case "PING":
		return simpleString("PONG")
	case "QUIT":
		return simpleString("OK")
	}
	if !sess.authenticated {
		return errorReply("NOAUTH Authentication required.")
	}

	switch cmd {
	case "SELECT":
		return simpleString("OK")
	case "MULTI":
		if sess.inMulti {
			return errorReply("ERR MULTI calls can not be nested")
		}
		sess.inMulti = true
		sess.multiFailed = false
		sess.queued = nil
		return simpleString("OK")
	case "DISCARD":
		if !sess.inMulti {
			return errorReply("ERR DISCARD without MULTI")
		}
		sess.reset()
		return simpleString("OK")
	case "EXEC":
		if !sess.inMulti {
			return errorReply("ERR EXEC without MULTI")
		}
		return s.exec(sess)
	case "WATCH":
		if sess.inMulti {
			return errorReply("ERR WATCH inside MULTI is not allowed")
		}
		if len(args) < 2 {
			return errorReply("ERR wrong number of arguments for 'watch'")
		}
		s.mu.Lock()
		if sess.watched == nil {
			sess.watched = make(map[string]uint64)
		}
		for _, key := range args[1:] {
			s.lookup(key)
			sess.watched[key] = s.versions[key]
		}
		s.mu.Unlock()
		return simpleString("OK")
	case "UNWATCH":
		sess.watched = nil
		return simpleString("OK")
	}

	if sess.inMulti {
		if !supported(cmd) {
			sess.multiFailed = true
			return errorReply(fmt.Sprintf("ERR unknown command '%s'", args[0]))
		}
		sess.queued = append(sess.queued, args)
		return simpleString("QUEUED")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(args)
}

func (s *Server) auth(sess *session, args []string) interface{} {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return errorReply("ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password == "" || password == s.opts.Password {
		sess.authenticated = true
		return simpleString("OK")
	}
	return errorReply("WRONGPASS invalid username-password pair")
}

func (s *Server) exec(sess *session) interface{} {
	defer sess.reset()
	if sess.multiFailed {
		return errorReply("EXECABORT Transaction discarded because of previous errors.")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, version := range sess.watched {
		s.lookup(key)
		if s.versions[key] != version {
			return nilArray{}
		}
	}
	replies := make([]interface{}, 0, len(sess.queued))
	for _, args := range sess.queued {
		replies = append(replies, s.executeLocked(args))
	}
	return replies
}

func (sess *session) reset() {
	sess.inMulti = false
	sess.multiFailed = false
	sess.queued = nil
	sess.watched = nil
}

func supported(cmd string) bool {
	switch cmd {
	case "GET", "SET", "DEL", "EXISTS", "INCR", "EXPIRE", "TTL", "SCAN", "XADD", "XLEN":
		return true
	}
	return false
}

func (s *Server) executeLocked(args []string) interface{} {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'get'")
		}
		entry := s.lookup(args[1])
		if entry == nil {
			return nilBulk{}
		}
		return entry.value
	case "SET":
		return s.set(args)
	case "DEL":
		if len(args) < 2 {
			return errorReply("ERR wrong number of arguments for 'del'")
		}
		var removed int64
		for _, key := range args[1:] {
			if s.lookup(key) != nil {
				delete(s.values, key)
				s.versions[key]++
				removed++
			}
		}
		return removed
	case "EXISTS":
		var count int64
		for _, key := range args[1:] {
			if s.lookup(key) != nil {
				count++
			}
		}
		return count
	case "INCR":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'incr'")
		}
		entry := s.lookup(args[1])
		current := int64(0)
		if entry != nil {
			parsed, err := strconv.ParseInt(entry.value, 10, 64)
			if err != nil {
				return errorReply("ERR value is not an integer or out of range")
			}
			current = parsed
		} else {
			entry = &valueEntry{}
			s.values[args[1]] = entry
		}
		current++
		entry.value = strconv.FormatInt(current, 10)
		s.versions[args[1]]++
		return current
	case "EXPIRE":
		if len(args) != 3 {
			return errorReply("ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		entry := s.lookup(args[1])
		if entry == nil {
			return int64(0)
		}
		entry.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
		s.versions[args[1]]++
		return int64(1)
	case "TTL":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'ttl'")
		}
		entry := s.lookup(args[1])
		if entry == nil {
			return int64(-2)
		}
		if entry.expiry.IsZero() {
			return int64(-1)
		}
		return int64(time.Until(entry.expiry) / time.Second)
	case "SCAN":
		return s.scan(args)
	case "XADD":
		return s.xadd(args)
	case "XLEN":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'xlen'")
		}
		return int64(len(s.streams[args[1]]))
	default:
		return errorReply(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) set(args []string) interface{} {
	if len(args) < 3 {
		return errorReply("ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var expiry time.Time
	var nx, xx bool
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return errorReply("ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || amount <= 0 {
				return errorReply("ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if strings.EqualFold(args[i], "PX") {
				unit = time.Millisecond
			}
			expiry = time.Now().Add(time.Duration(amount) * unit)
			i++
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
		default:
			return errorReply("ERR syntax error")
		}
	}
	existing := s.lookup(key)
	if (nx && existing != nil) || (xx && existing == nil) {
		return nilBulk{}
	}
	s.values[key] = &valueEntry{value: value, expiry: expiry}
	s.versions[key]++
	return simpleString("OK")
}

func (s *Server) scan(args []string) interface{} {
	if len(args) < 2 {
		return errorReply("ERR wrong number of arguments for 'scan'")
	}
	pattern := "*"
	for i := 2; i+1 < len(args); i += 2 {
		if strings.EqualFold(args[i], "MATCH") {
			pattern = args[i+1]
		}
	}
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		if s.lookup(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	items := make([]interface{}, len(keys))
	for i, key := range keys {
		items[i] = key
	}
	return []interface{}{"0", items}
}

func (s *Server) xadd(args []string) interface{} {
	if len(args) < 5 {
		return errorReply("ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	maxLen := -1
	i := 2
options:
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			i++
		case "MAXLEN":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			if i >= len(args) {
				return errorReply("ERR syntax error")
			}
			parsed, err := strconv.Atoi(args[i])
			if err != nil {
				return errorReply("ERR value is not an integer or out of range")
			}
			maxLen = parsed
			i++
		case "LIMIT":
			i += 2
		default:
			break options
		}
	}
	if i >= len(args) || (len(args)-i-1)%2 != 0 || len(args)-i-1 == 0 {
		return errorReply("ERR wrong number of arguments for 'xadd'")
	}
	id := args[i]
	if id == "*" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), len(s.streams[stream]))
	}
	values := make(map[string]string)
	for j := i + 1; j+1 < len(args); j += 2 {
		values[args[j]] = args[j+1]
	}
	entries := append(s.streams[stream], StreamEntry{ID: id, Values: values})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = entries[len(entries)-maxLen:]
	}
	s.streams[stream] = entries
	s.versions[stream]++
	return id
}

// lookup returns the live entry for key, evicting it when expired. Callers
// hold s.mu.
func (s *Server) lookup(key string) *valueEntry {
	entry, ok := s.values[key]
	if !ok {
		return nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.values, key)
		s.versions[key]++
		return nil
	}
	return entry
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, reply interface{}) error {
	var err error
	switch v := reply.(type) {
	case simpleString:
		_, err = fmt.Fprintf(w, "+%s\r\n", string(v))
	case errorReply:
		_, err = fmt.Fprintf(w, "-%s\r\n", string(v))
	case nilBulk:
		_, err = w.WriteString("$-1\r\n")
	case nilArray:
		_, err = w.WriteString("*-1\r\n")
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case []interface{}:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = writeReply(w, item); err != nil {
				return err
			}
		}
	default:
		_, err = fmt.Fprintf(w, "-ERR unsupported reply type %T\r\n", reply)
	}
	return err
}
