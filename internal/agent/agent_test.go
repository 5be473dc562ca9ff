package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"greenhouse.dev/pulse/internal/agent"
)

type fakeAPI struct {
	reply        *agent.HeartbeatReply
	heartbeatErr error

	config    *agent.DeviceConfig
	configErr error

	ackErr error

	heartbeats  int
	fetches     int
	ackedID     string
	ackedOK     bool
	ackedErrMsg string
}

func (f *fakeAPI) Heartbeat(_ context.Context, _ agent.Telemetry) (*agent.HeartbeatReply, error) {
	f.heartbeats++
	if f.heartbeatErr != nil {
		return nil, f.heartbeatErr
	}
	return f.reply, nil
}

func (f *fakeAPI) FetchConfig(_ context.Context) (*agent.DeviceConfig, error) {
	f.fetches++
	if f.configErr != nil {
		return nil, f.configErr
	}
	return f.config, nil
}

func (f *fakeAPI) AckCommand(_ context.Context, commandID string, success bool, errorMessage string) error {
	f.ackedID = commandID
	f.ackedOK = success
	f.ackedErrMsg = errorMessage
	return f.ackErr
}

type fakeRunner struct {
	err        error
	gotType    string
	gotPayload []byte
}

func (f *fakeRunner) Execute(_ context.Context, commandType string, payload []byte) error {
	f.gotType = commandType
	f.gotPayload = payload
	return f.err
}

var _ = Describe("Agent", func() {
	var (
		logger    *slog.Logger
		api       *fakeAPI
		runner    *fakeRunner
		state     *agent.State
		statePath string
		ctx       context.Context
	)

	newAgent := func() *agent.Agent {
		a, err := agent.New(&agent.Config{
			Logger:    logger,
			Client:    api,
			State:     state,
			StatePath: statePath,
			Runner:    runner,
			Telemetry: func() agent.Telemetry { return agent.Telemetry{Hostname: "gh-pi-01"} },
		})
		Expect(err).NotTo(HaveOccurred())
		return a
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		api = &fakeAPI{
			reply: &agent.HeartbeatReply{
				DeviceID:      "PROJ1-ESP5",
				Status:        "online",
				ConfigVersion: 1,
			},
		}
		runner = &fakeRunner{}
		state = &agent.State{DeviceKey: "k", ConfigVersion: 1}

		dir, err := os.MkdirTemp("", "agent-test")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })
		statePath = filepath.Join(dir, "state.yaml")

		ctx = context.Background()
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			a, err := agent.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(a).To(BeNil())
		})

		It("should return error when client is nil", func() {
			_, err := agent.New(&agent.Config{Logger: logger, State: state})
			Expect(err).To(HaveOccurred())
		})

		It("should return error when state is nil", func() {
			_, err := agent.New(&agent.Config{Logger: logger, Client: api})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Tick", func() {
		It("should send a heartbeat and leave matching config alone", func() {
			newAgent().Tick(ctx)

			Expect(api.heartbeats).To(Equal(1))
			Expect(api.fetches).To(BeZero())
		})

		It("should keep going when the heartbeat fails", func() {
			api.heartbeatErr = errors.New("connection refused")

			newAgent().Tick(ctx)

			Expect(api.fetches).To(BeZero())
		})

		Context("when the server reports a newer config version", func() {
			BeforeEach(func() {
				api.reply.ConfigVersion = 2
				api.config = &agent.DeviceConfig{
					DeviceID:      "PROJ1-ESP5",
					ConfigVersion: 2,
					Sensors: []agent.ConfigSensor{
						{SensorType: "dht22", PortID: "D4", Name: "canopy"},
					},
				}
			})

			It("should pull and apply the new configuration", func() {
				newAgent().Tick(ctx)

				Expect(api.fetches).To(Equal(1))
				Expect(state.ConfigVersion).To(Equal(2))
				Expect(state.Sensors).To(HaveLen(1))
				Expect(state.Sensors[0].SensorType).To(Equal("dht22"))
			})

			It("should persist the applied configuration", func() {
				newAgent().Tick(ctx)

				loaded, err := agent.LoadState(statePath)
				Expect(err).NotTo(HaveOccurred())
				Expect(loaded.ConfigVersion).To(Equal(2))
			})

			It("should keep the cached version when the pull fails", func() {
				api.configErr = errors.New("connection reset")

				newAgent().Tick(ctx)

				Expect(state.ConfigVersion).To(Equal(1))
			})

			It("should sync again on the next tick after a failed pull", func() {
				api.configErr = errors.New("connection reset")
				a := newAgent()
				a.Tick(ctx)

				api.configErr = nil
				a.Tick(ctx)

				Expect(api.fetches).To(Equal(2))
				Expect(state.ConfigVersion).To(Equal(2))
			})
		})

		Context("when the server reports an older config version", func() {
			BeforeEach(func() {
				state.ConfigVersion = 5
				api.reply.ConfigVersion = 1
				api.config = &agent.DeviceConfig{
					DeviceID:      "PROJ1-ESP5",
					ConfigVersion: 1,
				}
			})

			It("should re-sync so the cache converges after a server-side reset", func() {
				newAgent().Tick(ctx)

				Expect(api.fetches).To(Equal(1))
				Expect(state.ConfigVersion).To(Equal(1))
			})
		})

		Context("when a command rides along on the reply", func() {
			BeforeEach(func() {
				api.reply.Command = &agent.Command{
					ID:      "cmd-42",
					Type:    "wifi_update",
					Payload: json.RawMessage(`{"ssid":"greenhouse"}`),
				}
			})

			It("should execute the command and ack success", func() {
				newAgent().Tick(ctx)

				Expect(runner.gotType).To(Equal("wifi_update"))
				Expect(runner.gotPayload).To(Equal([]byte(`{"ssid":"greenhouse"}`)))
				Expect(api.ackedID).To(Equal("cmd-42"))
				Expect(api.ackedOK).To(BeTrue())
			})

			It("should ack failure with the execution error", func() {
				runner.err = errors.New("unsupported board")

				newAgent().Tick(ctx)

				Expect(api.ackedOK).To(BeFalse())
				Expect(api.ackedErrMsg).To(Equal("unsupported board"))
			})

			It("should ack failure when no runner is configured", func() {
				runner = nil
				a, err := agent.New(&agent.Config{
					Logger: logger,
					Client: api,
					State:  state,
				})
				Expect(err).NotTo(HaveOccurred())

				a.Tick(ctx)

				Expect(api.ackedOK).To(BeFalse())
				Expect(api.ackedErrMsg).NotTo(BeEmpty())
			})
		})
	})
})
