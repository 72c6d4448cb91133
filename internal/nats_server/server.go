package nats_server

import (
	"strings"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"pouw-captcha/logging"
)

const readyAttempts = 3

type Config struct {
	Host string
	// Port -1 picks a random free port.
	Port       int
	StorageDir string
	// TestMode keeps JetStream streams in memory and ignores StorageDir.
	TestMode bool
	// Subjects each get a JetStream stream of their own.
	Subjects []string
}

type NatsServer interface {
	Start() error
	ClientURL() string
	Shutdown()
}

type server struct {
	conf Config
	ns   *natssrv.Server
}

func NewServer(config Config) NatsServer {
	return &server{
		conf: config,
	}
}

func (s *server) Start() error {
	logging.Info("starting nats server", logging.Events,
		"port", s.conf.Port,
		"host", s.conf.Host,
		"test_mode", s.conf.TestMode,
		"storage_dir", s.conf.StorageDir,
	)

	opts := &natssrv.Options{
		Host:      s.conf.Host,
		Port:      s.conf.Port,
		JetStream: true,
		NoSigs:    true,
	}

	if s.conf.TestMode {
		logging.Info("ignore storage dir, nats running in test mode", logging.Events)
	} else {
		opts.StoreDir = s.conf.StorageDir
	}

	ns, err := natssrv.NewServer(opts)
	if err != nil {
		return errors.Wrap(err, "failed to create NATS server")
	}

	s.ns = ns
	go ns.Start()

	for i := 0; i < readyAttempts; i++ {
		if ns.ReadyForConnections(2 * time.Second) {
			break
		}
		if i == readyAttempts-1 {
			ns.Shutdown()
			return errors.Errorf("NATS server not ready after %d attempts", readyAttempts)
		}
	}

	return s.createJetStreamStreams(s.conf.Subjects)
}

func (s *server) ClientURL() string {
	if s.ns == nil {
		return ""
	}
	return s.ns.ClientURL()
}

func (s *server) Shutdown() {
	if s.ns == nil {
		return
	}
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	logging.Info("nats server stopped", logging.Events)
}

// StreamName derives the JetStream stream name for a subject:
// pouw.golden.verified_label is stored in POUW_GOLDEN_VERIFIED_LABEL.
func StreamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "ANY", ">", "ALL").Replace(subject))
}

func (s *server) createJetStreamStreams(subjects []string) error {
	if len(subjects) == 0 {
		return nil
	}
	nc, err := nats.Connect(s.ns.ClientURL())
	if err != nil {
		return errors.Wrap(err, "failed to connect to embedded NATS")
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return errors.Wrap(err, "failed to get JetStream context")
	}

	storage := nats.FileStorage
	if s.conf.TestMode {
		storage = nats.MemoryStorage
	}
	for _, subject := range subjects {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamName(subject),
			Subjects: []string{subject},
			Storage:  storage,
		})

		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return errors.Wrap(err, "failed to add stream for subject "+subject)
		}
	}
	return nil
}
