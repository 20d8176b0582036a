package dataType

import (
	"fmt"
	"net"
	"strings"
)

type TrieNode struct {
	children [2]*TrieNode
	isEnd    bool
}

// Insert adds a network to the trie. IPv4 networks are stored in their
// IPv4-mapped form so both families share one trie.
func (node *TrieNode) Insert(ipNet *net.IPNet) {
	ones, bits := ipNet.Mask.Size()
	ip := ipNet.IP.To16()
	if ip == nil {
		return
	}
	if bits == 32 {
		ones += 96
	}
	current := node
	for i := 0; i < ones; i++ {
		bit := (ip[i/8] >> (7 - uint(i%8))) & 1
		if current.children[bit] == nil {
			current.children[bit] = &TrieNode{}
		}
		current = current.children[bit]
	}
	current.isEnd = true
}

// Search if the ip is in the trie
func (node *TrieNode) Search(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}
	current := node
	for i := 0; i < 128; i++ {
		if current.isEnd {
			return true
		}
		bit := (ip[i/8] >> (7 - uint(i%8))) & 1
		if current.children[bit] == nil {
			return false
		}
		current = current.children[bit]
	}
	return current.isEnd
}

// AllowList matches remote addresses against a set of IPs and CIDRs. An
// empty list allows everyone.
type AllowList struct {
	root  TrieNode
	empty bool
}

func NewAllowList(rules []string) (*AllowList, error) {
	l := &AllowList{empty: len(rules) == 0}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if !strings.Contains(rule, "/") {
			ip := net.ParseIP(rule)
			if ip == nil {
				return nil, fmt.Errorf("invalid allow rule %q", rule)
			}
			if ip.To4() != nil {
				rule += "/32"
			} else {
				rule += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(rule)
		if err != nil {
			return nil, fmt.Errorf("invalid allow rule %q: %w", rule, err)
		}
		l.root.Insert(ipNet)
	}
	return l, nil
}

// Allows reports whether remote, an IP with or without port, is listed.
func (l *AllowList) Allows(remote string) bool {
	if l == nil || l.empty {
		return true
	}
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return l.root.Search(ip)
}
