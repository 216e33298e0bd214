// cmd/alert-send: envia um alerta de teste ao console (POST /alerts).
//
//	alert-send "Camera 1 pessoa detectada" [snapshot.jpg]
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		log.Fatalf("uso: %s \"Camera N mensagem\" [snapshot.jpg]", os.Args[0])
	}

	alert := map[string]interface{}{
		"message": os.Args[1],
		"source":  "alert-send",
	}
	if camID := os.Getenv("ALERT_CAMERA_ID"); camID != "" {
		alert["camera_id"] = camID
	}
	if len(os.Args) > 2 {
		data, err := os.ReadFile(os.Args[2])
		if err != nil {
			log.Fatalf("erro lendo snapshot %s: %v", os.Args[2], err)
		}
		alert["snapshot_b64"] = base64.StdEncoding.EncodeToString(data)
	}

	body, err := json.Marshal(alert)
	if err != nil {
		log.Fatalf("erro ao montar alerta: %v", err)
	}

	url := strings.TrimSuffix(getenv("CONSOLE_URL", "http://localhost:6969"), "/") + "/alerts"
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("erro no POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("console respondeu %d: %s", resp.StatusCode, string(out))
	}
	log.Printf("alerta aceito: %s", string(out))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
