package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"greenhouse.dev/pulse/internal/heartbeat"
	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/internal/server"
	"greenhouse.dev/pulse/pkg/deviceid"
	"greenhouse.dev/pulse/pkg/keyhash"
)

type fakeService struct {
	result *heartbeat.Result
	err    error

	gotUUID      string
	gotComposite string
	gotKey       string
	gotBody      []byte
}

func (f *fakeService) Process(_ context.Context, legacyUUID, compositeID, presentedKey string, body []byte) (*heartbeat.Result, error) {
	f.gotUUID = legacyUUID
	f.gotComposite = compositeID
	f.gotKey = presentedKey
	f.gotBody = body
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSweeper struct {
	processed int64
	err       error
	runs      int
}

func (f *fakeSweeper) Run(_ context.Context) (int64, error) {
	f.runs++
	if f.err != nil {
		return 0, f.err
	}
	return f.processed, nil
}

type fakeDeviceStore struct {
	device     *registry.Device
	findErr    error
	configs    []registry.SensorConfig
	configsErr error
	ackErr     error

	gotIdentifier deviceid.Identifier
	ackedID       string
	ackedSuccess  bool
	ackedMessage  string
}

func (f *fakeDeviceStore) FindByIdentifier(_ context.Context, id deviceid.Identifier) (*registry.Device, error) {
	f.gotIdentifier = id
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.device, nil
}

func (f *fakeDeviceStore) SensorConfigs(_ context.Context, _ string) ([]registry.SensorConfig, error) {
	if f.configsErr != nil {
		return nil, f.configsErr
	}
	return f.configs, nil
}

func (f *fakeDeviceStore) AckCommand(_ context.Context, commandID string, success bool, errorMessage string) error {
	f.ackedID = commandID
	f.ackedSuccess = success
	f.ackedMessage = errorMessage
	return f.ackErr
}

var _ = Describe("API", func() {
	var (
		logger  *slog.Logger
		service *fakeService
		sweep   *fakeSweeper
		store   *fakeDeviceStore
		mux     *http.ServeMux
	)

	decode := func(rec *httptest.ResponseRecorder) map[string]interface{} {
		var body map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return body
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		service = &fakeService{
			result: &heartbeat.Result{
				DeviceID:      "PROJ1-ESP5",
				Status:        registry.StatusOnline,
				ConfigVersion: 3,
				Timestamp:     time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
			},
		}
		sweep = &fakeSweeper{processed: 4}
		store = &fakeDeviceStore{}

		api, err := server.NewAPI(&server.APIConfig{
			Logger:  logger,
			Service: service,
			Sweeper: sweep,
			Store:   store,
		})
		Expect(err).NotTo(HaveOccurred())
		mux = api.Routes()
	})

	Describe("NewAPI", func() {
		It("should return error when config is nil", func() {
			api, err := server.NewAPI(nil)
			Expect(err).To(HaveOccurred())
			Expect(api).To(BeNil())
		})

		It("should return error when any dependency is missing", func() {
			_, err := server.NewAPI(&server.APIConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("POST /api/v1/heartbeat", func() {
		post := func(headers map[string]string, body []byte) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/heartbeat", bytes.NewReader(body))
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			return rec
		}

		It("should accept a heartbeat and echo the device state", func() {
			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "abc123",
			}, []byte(`{"rssi":-67}`))

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decode(rec)
			Expect(body["success"]).To(BeTrue())
			Expect(body["device_id"]).To(Equal("PROJ1-ESP5"))
			Expect(body["status"]).To(Equal("online"))
			Expect(body["config_version"]).To(BeNumerically("==", 3))
			Expect(body["timestamp"]).To(Equal("2026-03-14T12:00:00Z"))

			Expect(service.gotComposite).To(Equal("PROJ1-ESP5"))
			Expect(service.gotKey).To(Equal("abc123"))
			Expect(service.gotBody).To(Equal([]byte(`{"rssi":-67}`)))
		})

		It("should set permissive CORS headers", func() {
			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "abc123",
			}, nil)

			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(rec.Header().Get("Access-Control-Allow-Headers")).To(ContainSubstring("x-device-key"))
		})

		It("should attach a pending command to the response", func() {
			service.result.Command = &registry.DeviceCommand{
				CommandID: "cmd-42",
				Type:      registry.CommandTypeWiFiUpdate,
				Payload:   `{"ssid":"greenhouse"}`,
			}

			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "abc123",
			}, nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decode(rec)
			command, ok := body["command"].(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(command["id"]).To(Equal("cmd-42"))
			Expect(command["type"]).To(Equal("wifi_update"))
			Expect(command["payload"]).To(HaveKeyWithValue("ssid", "greenhouse"))
		})

		It("should omit the command field when nothing is pending", func() {
			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "abc123",
			}, nil)

			Expect(decode(rec)).NotTo(HaveKey("command"))
		})

		It("should return 400 when no identifier header is present", func() {
			service.err = deviceid.ErrMissingIdentifier

			rec := post(map[string]string{"x-device-key": "abc123"}, nil)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			body := decode(rec)
			Expect(body["success"]).To(BeFalse())
			Expect(body["error"]).To(Equal("Missing device identifier"))
		})

		It("should return 400 for a malformed identifier", func() {
			service.err = deviceid.ErrInvalidFormat

			rec := post(map[string]string{
				"x-composite-device-id": "proj1-esp5",
				"x-device-key":          "abc123",
			}, nil)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rec)["error"]).To(Equal("Invalid device identifier format"))
		})

		It("should return 401 when the key header is missing", func() {
			service.err = heartbeat.ErrMissingCredential

			rec := post(map[string]string{"x-composite-device-id": "PROJ1-ESP5"}, nil)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decode(rec)["error"]).To(Equal("Missing device key"))
		})

		It("should return 401 for a mismatched key", func() {
			service.err = heartbeat.ErrCredentialMismatch

			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "wrong",
			}, nil)

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decode(rec)["error"]).To(Equal("Invalid device key"))
		})

		It("should return 404 for an unknown device", func() {
			service.err = registry.ErrDeviceNotFound

			rec := post(map[string]string{
				"x-composite-device-id": "PROJ9-ESP1",
				"x-device-key":          "abc123",
			}, nil)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(decode(rec)["error"]).To(Equal("Device not found"))
		})

		It("should return 500 when the event write fails", func() {
			service.err = heartbeat.ErrTelemetryWriteFailed

			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "abc123",
			}, nil)

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(decode(rec)["error"]).To(Equal("Failed to record telemetry"))
		})

		It("should not leak details for unexpected errors", func() {
			service.err = errors.New("pq: connection refused")

			rec := post(map[string]string{
				"x-composite-device-id": "PROJ1-ESP5",
				"x-device-key":          "abc123",
			}, nil)

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			body := decode(rec)
			Expect(body["error"]).To(Equal("Internal server error"))
			Expect(body).NotTo(HaveKey("details"))
		})

		It("should answer CORS preflight with 204", func() {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/heartbeat", nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("POST /api/v1/sweep", func() {
		post := func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sweep", nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			return rec
		}

		It("should report the processed count and threshold", func() {
			rec := post()

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decode(rec)
			Expect(body["processed"]).To(BeNumerically("==", 4))
			Expect(body["threshold_seconds"]).To(BeNumerically("==", 120))
			Expect(body["timestamp"]).NotTo(BeEmpty())
			Expect(sweep.runs).To(Equal(1))
		})

		It("should report zero when no devices were stale", func() {
			sweep.processed = 0

			rec := post()

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)["processed"]).To(BeNumerically("==", 0))
		})

		It("should return 500 when the sweep fails", func() {
			sweep.err = errors.New("deadlock detected")

			rec := post()

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(decode(rec)["error"]).To(Equal("offline sweep failed"))
		})
	})

	Describe("GET /api/v1/devices/{id}/config", func() {
		var digest string

		get := func(id, key string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+id+"/config", nil)
			if key != "" {
				req.Header.Set("x-device-key", key)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			return rec
		}

		BeforeEach(func() {
			digest = keyhash.Digest("abc123")
			composite := "PROJ1-ESP5"
			store.device = &registry.Device{
				ID:            7,
				CompositeID:   &composite,
				KeyDigest:     &digest,
				ConfigVersion: 5,
			}
			store.configs = []registry.SensorConfig{
				{SensorType: "dht22", PortID: "D4", Name: "canopy"},
				{SensorType: "soil_moisture", PortID: "A0"},
			}
		})

		It("should return the sensor configuration for a valid key", func() {
			rec := get("PROJ1-ESP5", "abc123")

			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decode(rec)
			Expect(body["device_id"]).To(Equal("PROJ1-ESP5"))
			Expect(body["config_version"]).To(BeNumerically("==", 5))

			sensors, ok := body["sensors"].([]interface{})
			Expect(ok).To(BeTrue())
			Expect(sensors).To(HaveLen(2))
			first := sensors[0].(map[string]interface{})
			Expect(first["sensor_type"]).To(Equal("dht22"))
			Expect(first["port_id"]).To(Equal("D4"))
			Expect(first["name"]).To(Equal("canopy"))
		})

		It("should resolve legacy UUID identifiers", func() {
			rec := get("2c5ae3e4-df1b-4f58-9a6b-7f3a2e1c9d40", "abc123")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(store.gotIdentifier.Kind).To(Equal(deviceid.KindLegacyUUID))
		})

		It("should return 400 for a malformed identifier", func() {
			rec := get("not-a-device", "abc123")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an unknown device", func() {
			store.findErr = registry.ErrDeviceNotFound

			rec := get("PROJ1-ESP5", "abc123")

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should return 401 when the key header is missing", func() {
			rec := get("PROJ1-ESP5", "")

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decode(rec)["error"]).To(Equal("Missing device key"))
		})

		It("should return 401 for a wrong key", func() {
			rec := get("PROJ1-ESP5", "wrong")

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(decode(rec)["error"]).To(Equal("Invalid device key"))
		})

		It("should return 401 for an unregistered device", func() {
			store.device.KeyDigest = nil

			rec := get("PROJ1-ESP5", "abc123")

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should return 500 when loading the configuration fails", func() {
			store.configsErr = errors.New("relation does not exist")

			rec := get("PROJ1-ESP5", "abc123")

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("POST /api/v1/commands/ack", func() {
		post := func(body string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/commands/ack", bytes.NewBufferString(body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			return rec
		}

		It("should record a successful acknowledgement", func() {
			rec := post(`{"command_id":"cmd-42","success":true}`)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(store.ackedID).To(Equal("cmd-42"))
			Expect(store.ackedSuccess).To(BeTrue())
		})

		It("should record a failed acknowledgement with its message", func() {
			rec := post(`{"command_id":"cmd-42","success":false,"error_message":"flash write failed"}`)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(store.ackedSuccess).To(BeFalse())
			Expect(store.ackedMessage).To(Equal("flash write failed"))
		})

		It("should return 400 for a missing command_id", func() {
			rec := post(`{"success":true}`)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 400 for an unreadable body", func() {
			rec := post(`{not json`)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an unknown command", func() {
			store.ackErr = registry.ErrCommandNotFound

			rec := post(`{"command_id":"ghost","success":true}`)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /health", func() {
		It("should report ok", func() {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)["status"]).To(Equal("ok"))
		})
	})
})
