/*
Package taonet implements the connection and session core of a message
oriented network server.

Server hosts sessions with various ServerOption supported.

1. Provides custom codec by CustomCodecOption;
2. Provides callback on connected by OnConnectOption;
3. Provides callback on message arrived by OnMessageOption;
4. Provides callback on closed by OnCloseOption;
5. Provides callback on protocol error by OnErrorOption;
6. Closes silent sessions by IdleTimeoutOption;

Acceptor listens on a TCP endpoint with a chosen backlog and turns every
accepted connection into a Session. Connector establishes one outbound
connection at a time; resolution and dialing share one deadline and exactly
one of OnConnect, OnError and OnTimeout is called per attempt.

	c := taonet.NewConnector(server)
	c.SetEventHandler(handler)
	c.Connect(taonet.NewSession(server), "example.com", 8341, 5*time.Second)

DatagramServer attributes UDP datagrams to one pseudo-session per sender, so
datagram peers reach OnMessage like stream peers. DialDatagram connects a
session to a fixed UDP target; its writes are fire-and-forget.

Every session gets an id from the Registry, which keeps non-owning handles in a
fixed-capacity SlotTable. Handles expire once their session starts closing;
Broadcast and Sessions work on snapshots and never hold the lock while a
session is used.

Messages are length-prefixed frames:

	[length: 2 or 4 bytes, big-endian by default][payload: length bytes]

FrameCodec recovers them from a byte stream, any type implementing Codec can
replace it:

	type Codec interface {
		Filter([]byte) ([][]byte, error)
		Pack([]byte) ([]byte, error)
		Pop() ([]byte, bool)
		Clear()
	}

Messages of one session are handled in order on a WorkerPool keyed by session
id. AtomicInt64, AtomicInt32 and AtomicBoolean are providing concurrent-safe
atomic types in a Java-like style. MonitorOn serves expvar counters over HTTP.
*/
package taonet
