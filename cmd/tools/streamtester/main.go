package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/live-transcribe/backend/internal/model/transcript"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultAddr := "localhost:8080"
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && !strings.Contains(port, ":") {
		defaultAddr = "localhost:" + port
	}

	addr := flag.String("addr", defaultAddr, "服务地址 host:port")
	audioPath := flag.String("audio", "", "要推流的音频文件路径")
	chunkSize := flag.Int("chunk", 4096, "每个二进制帧的字节数")
	interval := flag.Duration("interval", 100*time.Millisecond, "帧之间的发送间隔")
	wait := flag.Duration("wait", 3*time.Second, "最后一帧发送后等待结果的时间")

	flag.Parse()

	if *audioPath == "" {
		flag.Usage()
		log.Fatal("请通过 -audio 指定音频文件路径")
	}
	if *chunkSize <= 0 {
		log.Fatal("-chunk 必须为正数")
	}

	file, err := os.Open(*audioPath)
	if err != nil {
		log.Fatalf("打开音频文件失败: %v", err)
	}
	defer file.Close()

	target := url.URL{Scheme: "ws", Host: *addr, Path: "/api/transcribe"}
	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		log.Fatalf("连接 %s 失败: %v", target.String(), err)
	}
	defer conn.Close()

	log.Printf("已连接 %s", target.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		readMessages(conn)
	}()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		log.Fatalf("发送 ping 失败: %v", err)
	}

	sent, frames, err := streamFile(conn, file, *chunkSize, *interval)
	if err != nil {
		log.Fatalf("推流失败: %v", err)
	}
	log.Printf("推流完成: frames=%d bytes=%d，等待 %s", frames, sent, *wait)

	time.Sleep(*wait)

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream tester done")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		log.Printf("[WARN] 发送关闭帧失败: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("[WARN] 等待服务端关闭超时")
	}
}

func streamFile(conn *websocket.Conn, r io.Reader, chunkSize int, interval time.Duration) (int, int, error) {
	buf := make([]byte, chunkSize)
	sent, frames := 0, 0

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if writeErr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
				return sent, frames, writeErr
			}
			sent += n
			frames++
			time.Sleep(interval)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, frames, nil
		}
		if err != nil {
			return sent, frames, err
		}
	}
}

func readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("读取结束: %v", err)
			}
			return
		}

		var msg transcript.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("<- %s", data)
			continue
		}
		log.Printf("<- [%s] final=%t text=%q", msg.Kind, msg.IsFinal, msg.Text)
	}
}
