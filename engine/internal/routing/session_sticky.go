package routing

import (
	"hash/fnv"
	"sort"
	"strconv"
)

const vnodesPerEndpoint = 128

// sessionHeaderName is the header session-sticky routing keys off when the
// caller doesn't pass req.SessionKey directly (e.g. the HTTP layer hasn't
// extracted it yet).
const sessionHeaderName = "x-session-id"

// SessionSticky hashes a session key onto a consistent-hash ring built from
// the current endpoint set, so repeated requests from the same session keep
// landing on the same backend even as the set grows or shrinks. Falls back
// to round-robin when no session key is present, since a randomly chosen
// sticky target would defeat the purpose.
type SessionSticky struct {
	fallback *RoundRobin
}

// NewSessionSticky builds a session-sticky strategy with its own
// round-robin fallback instance (so fallback cursor state doesn't leak into
// an unrelated round-robin strategy the caller might also run).
func NewSessionSticky() *SessionSticky {
	return &SessionSticky{fallback: NewRoundRobin()}
}

func (s *SessionSticky) Name() string { return "session_sticky" }

func (s *SessionSticky) Route(req Request, rc Context) (string, error) {
	endpoints, err := filterForModel(rc.Endpoints, req.Model)
	if err != nil {
		return "", err
	}

	key := req.SessionKey
	if key == "" && req.Headers != nil {
		key = req.Headers.Get(sessionHeaderName)
	}
	if key == "" {
		return s.fallback.Route(req, rc)
	}

	urls := sortedURLs(endpoints)
	ring := buildRing(urls, vnodesPerEndpoint)
	return ring.lookup(key), nil
}

type ringPoint struct {
	hash uint64
	url  string
}

type hashRing struct {
	points []ringPoint
}

func buildRing(urls []string, vnodes int) hashRing {
	points := make([]ringPoint, 0, len(urls)*vnodes)
	for _, url := range urls {
		for i := 0; i < vnodes; i++ {
			points = append(points, ringPoint{hash: hashKey(url + "#" + strconv.Itoa(i)), url: url})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return hashRing{points: points}
}

func (r hashRing) lookup(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].url
}

func hashKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

var _ Strategy = (*SessionSticky)(nil)
