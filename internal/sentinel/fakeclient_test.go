package sentinel

import "context"

// fakeInstanceClient is an in-memory InstanceClient for deterministic
// tests, grounded on zboralski-radix/stub.go's fake Conn (a scripted
// stand-in for the wire transport so tests never dial real sockets).
type fakeInstanceClient struct {
	connected bool
	pingErr   error
	infoBody  string
	infoErr   error

	slaveOfCalls     [][2]interface{}
	slaveOfNoOneCall bool

	voteGranted   bool
	voteLeaderID  string
	voteLeaderEp  int64
	voteErr       error
}

func newFakeInstanceClient() *fakeInstanceClient {
	return &fakeInstanceClient{connected: true}
}

func (f *fakeInstanceClient) Dial(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeInstanceClient) Connected() bool { return f.connected }

func (f *fakeInstanceClient) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeInstanceClient) Info(ctx context.Context) (string, error) {
	return f.infoBody, f.infoErr
}

func (f *fakeInstanceClient) SlaveOf(ctx context.Context, host string, port int) error {
	f.slaveOfCalls = append(f.slaveOfCalls, [2]interface{}{host, port})
	return nil
}

func (f *fakeInstanceClient) SlaveOfNoOne(ctx context.Context) error {
	f.slaveOfNoOneCall = true
	return nil
}

func (f *fakeInstanceClient) ConfigRewrite(ctx context.Context) error { return nil }
func (f *fakeInstanceClient) ScriptKill(ctx context.Context) error    { return nil }

func (f *fakeInstanceClient) Subscribe(ctx context.Context, topic string, out chan<- string) error {
	return nil
}

func (f *fakeInstanceClient) Publish(ctx context.Context, topic, payload string) error {
	return nil
}

func (f *fakeInstanceClient) IsMasterDownByAddr(ctx context.Context, host string, port int, epoch int64, runID string) (bool, string, int64, error) {
	return f.voteGranted, f.voteLeaderID, f.voteLeaderEp, f.voteErr
}

func (f *fakeInstanceClient) CloseCommand() error { return nil }
func (f *fakeInstanceClient) CloseHello() error   { return nil }

func (f *fakeInstanceClient) Close() error { f.connected = false; return nil }
