package chat

import (
	"fmt"
	"strings"
)

// Announcement is one marketplace-channel line. Chat is advisory: every
// economic transition still goes through the marketplace, announcements
// only steer discovery.
type Announcement interface {
	Line() string
}

// Have advertises inventory. Price is a decimal token amount without
// currency decoration.
type Have struct {
	Product     string
	Price       string
	Description string
}

// Line implements Announcement.
func (h Have) Line() string {
	return fmt.Sprintf("HAVE: %s | $%s USDC | %s", h.Product, h.Price, h.Description)
}

// Need advertises demand. Contact carries the buyer's wallet address so
// sellers and coordinators can attribute the request.
type Need struct {
	Product string
	Budget  string
	Contact string
}

// Line implements Announcement.
func (n Need) Line() string {
	return fmt.Sprintf("NEED: %s | Budget: $%s USDC | %s", n.Product, n.Budget, n.Contact)
}

// Deal broadcasts a completed match after approval.
type Deal struct {
	Buyer   string
	Seller  string
	Product string
	Price   string
}

// Line implements Announcement.
func (d Deal) Line() string {
	return fmt.Sprintf("DEAL: %s <-> %s | %s | $%s", d.Buyer, d.Seller, d.Product, d.Price)
}

// Route is a coordinator hint pairing a buyer who asked with a seller
// who offered. Purely advisory.
type Route struct {
	Buyer   string
	Seller  string
	Product string
}

// Line implements Announcement.
func (r Route) Line() string {
	return fmt.Sprintf("ROUTE: %s -> %s | %s", r.Buyer, r.Seller, r.Product)
}

// ParseLine recognizes one announcement. Unknown or malformed lines
// return false; the channel carries arbitrary chatter and anything that
// does not parse is simply not an announcement.
func ParseLine(s string) (Announcement, bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "HAVE:"):
		return parseHave(strings.TrimPrefix(s, "HAVE:"))
	case strings.HasPrefix(s, "NEED:"):
		return parseNeed(strings.TrimPrefix(s, "NEED:"))
	case strings.HasPrefix(s, "DEAL:"):
		return parseDeal(strings.TrimPrefix(s, "DEAL:"))
	case strings.HasPrefix(s, "ROUTE:"):
		return parseRoute(strings.TrimPrefix(s, "ROUTE:"))
	default:
		return nil, false
	}
}

func parseHave(rest string) (Announcement, bool) {
	f := splitFields(rest)
	if len(f) < 2 || f[0] == "" {
		return nil, false
	}
	h := Have{Product: f[0], Price: parseAmount(f[1])}
	if h.Price == "" {
		return nil, false
	}
	if len(f) > 2 {
		h.Description = f[2]
	}
	return h, true
}

func parseNeed(rest string) (Announcement, bool) {
	f := splitFields(rest)
	if len(f) < 2 || f[0] == "" {
		return nil, false
	}
	budget, ok := strings.CutPrefix(f[1], "Budget:")
	if !ok {
		return nil, false
	}
	n := Need{Product: f[0], Budget: parseAmount(budget)}
	if n.Budget == "" {
		return nil, false
	}
	if len(f) > 2 {
		n.Contact = f[2]
	}
	return n, true
}

func parseDeal(rest string) (Announcement, bool) {
	f := splitFields(rest)
	if len(f) < 3 {
		return nil, false
	}
	buyer, seller, ok := strings.Cut(f[0], "<->")
	if !ok {
		return nil, false
	}
	d := Deal{
		Buyer:   strings.TrimSpace(buyer),
		Seller:  strings.TrimSpace(seller),
		Product: f[1],
		Price:   parseAmount(f[2]),
	}
	if d.Buyer == "" || d.Seller == "" || d.Product == "" || d.Price == "" {
		return nil, false
	}
	return d, true
}

func parseRoute(rest string) (Announcement, bool) {
	f := splitFields(rest)
	if len(f) < 2 {
		return nil, false
	}
	buyer, seller, ok := strings.Cut(f[0], "->")
	if !ok {
		return nil, false
	}
	r := Route{
		Buyer:   strings.TrimSpace(buyer),
		Seller:  strings.TrimSpace(seller),
		Product: f[1],
	}
	if r.Buyer == "" || r.Seller == "" || r.Product == "" {
		return nil, false
	}
	return r, true
}

func splitFields(s string) []string {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseAmount strips the "$" prefix and the "USDC" suffix tolerantly and
// returns the bare decimal string, or "" when nothing remains.
func parseAmount(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(strings.TrimSpace(s), "USDC")
	return strings.TrimSpace(s)
}
