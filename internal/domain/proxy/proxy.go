// Package proxy — круговой перебор egress-прокси. Один хост с набором портов
// разворачивается в декартов список адресов; каждый следующий шлюз получает
// следующий адрес, распределяя аккаунты по выходным IP.
package proxy

import (
	"fmt"
	"sync"

	"github.com/sword-epi/spectra/internal/infra/config"
)

// Endpoint — один адрес прокси с учётными данными.
type Endpoint struct {
	Type string // socks5 | socks4
	Host string
	Port int
	User string
	Pass string
}

// Addr возвращает host:port.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Cycler перебирает адреса по кругу. Потокобезопасен.
type Cycler struct {
	mu        sync.Mutex
	endpoints []Endpoint
	next      int
}

// NewCycler строит список адресов из конфигурации. Для выключенного прокси
// возвращает nil: вызывающие трактуют nil-циклер как прямое подключение.
func NewCycler(cfg config.ProxyConfig) *Cycler {
	if !cfg.Enabled {
		return nil
	}
	ports := cfg.Ports
	if len(ports) == 0 {
		ports = []int{cfg.Port}
	}
	endpoints := make([]Endpoint, 0, len(ports))
	for _, port := range ports {
		endpoints = append(endpoints, Endpoint{
			Type: cfg.Type,
			Host: cfg.Host,
			Port: port,
			User: cfg.User,
			Pass: cfg.Pass,
		})
	}
	return &Cycler{endpoints: endpoints}
}

// Next возвращает следующий адрес по кругу. ok=false — прокси не настроен.
func (c *Cycler) Next() (Endpoint, bool) {
	if c == nil || len(c.endpoints) == 0 {
		return Endpoint{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.endpoints[c.next%len(c.endpoints)]
	c.next++
	return e, true
}

// Size возвращает число адресов в круге; 0 для nil-циклера.
func (c *Cycler) Size() int {
	if c == nil {
		return 0
	}
	return len(c.endpoints)
}
