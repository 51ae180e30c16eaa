package ldapdir

import (
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/icao-pkd/pkd-eval/pkderrors"
)

// PoolConfig tunes the connection pool, per spec §6 ldap.pool.* keys.
type PoolConfig struct {
	URL            string
	BindDN         string
	Password       string
	Initial        int
	Max            int
	WaitTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Pool is a fixed-size pool of bound *ldap.Conn handles, serializing
// writes the way spec §4.6 describes: "a connection pool ... serializes
// writes through checked-out handles."
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	idle    []*ldap.Conn
	created int
}

// NewPool opens Initial connections eagerly and allows growth up to Max.
func NewPool(cfg PoolConfig) (*Pool, error) {
	p := &Pool{cfg: cfg}
	for i := 0; i < cfg.Initial; i++ {
		conn, err := p.dial()
		if err != nil {
			return nil, err
		}
		p.idle = append(p.idle, conn)
		p.created++
	}
	return p, nil
}

func (p *Pool) dial() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(p.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.ConnectTimeout}))
	if err != nil {
		return nil, pkderrors.LDAPUnreachable("dialing %s: %s", p.cfg.URL, err)
	}
	conn.SetTimeout(p.cfg.ReadTimeout)
	if err := conn.Bind(p.cfg.BindDN, p.cfg.Password); err != nil {
		conn.Close()
		return nil, pkderrors.LDAPUnreachable("binding to %s: %s", p.cfg.URL, err)
	}
	return conn, nil
}

// Get checks out a connection, growing the pool up to Max or waiting up
// to WaitTimeout for one to free up, per spec §4.6.
func (p *Pool) Get() (*ldap.Conn, error) {
	deadline := time.Now().Add(p.cfg.WaitTimeout)
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.created < p.cfg.Max {
			p.created++
			p.mu.Unlock()
			conn, err := p.dial()
			if err != nil {
				p.mu.Lock()
				p.created--
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, pkderrors.PoolExhausted("no LDAP connection available within %s", p.cfg.WaitTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Put returns conn to the idle pool, or discards it (and shrinks the
// pool's accounting) if healthy is false.
func (p *Pool) Put(conn *ldap.Conn, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !healthy {
		conn.Close()
		p.created--
		return
	}
	p.idle = append(p.idle, conn)
}

// Close closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
	p.created = 0
}
