package ghqs

import (
	"github.com/gordian-engine/ghq/ghqwire"
)

// nascentStream is a peer unidirectional stream whose preface varint
// has not yet been decoded. Delivered bytes accumulate until the
// preface (and, for push, the push ID) is complete.
type nascentStream struct {
	id  StreamID
	buf chainBuffer
	fin bool
}

// acceptPeerUniStream applies the dialect policy to a new
// peer-initiated unidirectional stream.
func (s *Session) acceptPeerUniStream(id StreamID) {
	if !s.dialect.AcceptsUniStreams() {
		// h1q-fb v1 has no unidirectional vocabulary at all.
		_ = s.tr.StopSending(id, ghqwire.ErrorWrongStream)
		s.rejectedUni[id] = struct{}{}
		return
	}
	s.nascent[id] = &nascentStream{id: id}
}

// dispatchNascentData peeks at a nascent stream's buffered bytes and,
// once the preface is decodable, hands the stream to its handler.
func (s *Session) dispatchNascentData(ns *nascentStream, data []byte, fin bool) {
	ns.buf.Append(data)
	if fin {
		ns.fin = true
	}

	buf := ns.buf.Coalesce()
	t, n, err := ghqwire.ParseVarint(buf)
	if err != nil {
		s.forgetNascent(ns, ghqwire.ErrorUnknownStreamType)
		return
	}
	if n == 0 {
		if ns.fin {
			// Ended before a complete preface; nothing to dispatch.
			delete(s.nascent, ns.id)
		}
		return
	}

	streamType := ghqwire.StreamType(t)
	known, controlLike := s.dialect.KnownIngressStreamType(streamType)
	if !known {
		// Unknown and grease types are refused alike.
		s.log.Debug("Refusing unknown stream type",
			"stream_id", uint64(ns.id), "type", streamType.String())
		s.forgetNascent(ns, ghqwire.ErrorUnknownStreamType)
		return
	}

	if controlLike {
		delete(s.nascent, ns.id)
		if err := s.bindIngressControlStream(streamType, ns.id); err != nil {
			s.onConnectionError(err)
			return
		}
		cs := s.controlByIngressID[ns.id]

		// Consume the preface and redeliver whatever was peeked.
		ns.buf.TrimStart(n)
		if rest := ns.buf.Coalesce(); len(rest) > 0 {
			cs.readBuf.Append(rest)
			if err := s.processControlIngress(cs); err != nil {
				s.onConnectionError(err)
				return
			}
		}
		if ns.fin {
			s.onControlStreamImpaired(cs)
		}
		return
	}

	// Push preface; the push ID follows immediately.
	if s.dir != DirectionUpstream {
		s.onConnectionError(connErrf(ghqwire.ErrorWrongStream,
			"push stream opened toward the server"))
		return
	}

	pid, m, err := ghqwire.ParseVarint(buf[n:])
	if err != nil {
		s.forgetNascent(ns, ghqwire.ErrorUnknownStreamType)
		return
	}
	if m == 0 {
		if ns.fin {
			delete(s.nascent, ns.id)
		}
		return
	}

	delete(s.nascent, ns.id)
	ns.buf.TrimStart(n + m)
	s.onNascentPushStream(ns, PushID(pid))
}

func (s *Session) forgetNascent(ns *nascentStream, code ghqwire.ErrorCode) {
	delete(s.nascent, ns.id)
	s.rejectedUni[ns.id] = struct{}{}
	_ = s.tr.StopSending(ns.id, code)
}

// onNascentPushStream records the (PushID, stream id) binding and
// either binds to the promise-created transaction or holds the stream
// pending until the promise arrives.
func (s *Session) onNascentPushStream(ns *nascentStream, pid PushID) {
	if s.observedPushIDs.Test(uint(pid)) {
		// Invariant: one stream per push ID.
		s.onConnectionError(connErrf(ghqwire.ErrorGeneralProtocolError,
			"push ID %d carried by a second stream", uint64(pid)))
		return
	}
	s.observedPushIDs.Set(uint(pid))
	s.pushIDToStream[pid] = ns.id
	s.streamToPushID[ns.id] = pid

	if ips, ok := s.ingressPushByID[pid]; ok {
		// The promise already arrived: bind immediately.
		s.bindIngressPush(ips, ns.id, ns.buf.Coalesce(), ns.fin)
		return
	}

	// Promise not yet seen; hold the stream and pause its reads.
	pp := &pendingPush{id: ns.id, fin: ns.fin}
	if b := ns.buf.Coalesce(); len(b) > 0 {
		pp.buf.Append(b)
	}
	s.pendingNascentPush[pid] = pp
	_ = s.tr.PauseRead(ns.id)
}
