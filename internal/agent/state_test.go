package agent_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"greenhouse.dev/pulse/internal/agent"
	"greenhouse.dev/pulse/pkg/keyhash"
)

var _ = Describe("State", func() {
	var statePath string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "agent-state")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })
		statePath = filepath.Join(dir, "state.yaml")
	})

	Describe("LoadState", func() {
		It("should mint a device key when no state file exists", func() {
			state, err := agent.LoadState(statePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.DeviceKey).To(HaveLen(keyhash.KeyLength))
			Expect(state.ConfigVersion).To(BeZero())
			Expect(state.Sensors).To(BeEmpty())
		})

		It("should mint distinct keys on each fresh start", func() {
			first, err := agent.LoadState(statePath)
			Expect(err).NotTo(HaveOccurred())
			second, err := agent.LoadState(statePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.DeviceKey).NotTo(Equal(second.DeviceKey))
		})

		It("should round-trip through SaveState", func() {
			original := &agent.State{
				DeviceKey:     "0123456789abcdef",
				ConfigVersion: 7,
				Sensors: []agent.SensorSlot{
					{SensorType: "dht22", PortID: "D4", Name: "canopy"},
				},
			}
			Expect(agent.SaveState(statePath, original)).To(Succeed())

			loaded, err := agent.LoadState(statePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(Equal(original))
		})

		It("should keep the state file owner-readable only", func() {
			Expect(agent.SaveState(statePath, &agent.State{DeviceKey: "k"})).To(Succeed())

			info, err := os.Stat(statePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
		})

		It("should reject a state file without a device key", func() {
			Expect(os.WriteFile(statePath, []byte("config_version: 3\n"), 0o600)).To(Succeed())

			state, err := agent.LoadState(statePath)
			Expect(err).To(HaveOccurred())
			Expect(state).To(BeNil())
		})

		It("should reject an unparseable state file", func() {
			Expect(os.WriteFile(statePath, []byte("{{nope"), 0o600)).To(Succeed())

			_, err := agent.LoadState(statePath)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SaveState", func() {
		It("should reject a nil state", func() {
			Expect(agent.SaveState(statePath, nil)).To(HaveOccurred())
		})
	})
})
