package peer

// Crash stops p without announcing its departure, as if its process had
// died.
func (p *Peer) Crash() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		vacancy := p.vacancy
		p.vacancy = nil
		tr := p.tr
		p.mu.Unlock()

		if vacancy != nil && vacancy.Stop() {
			p.wg.Done()
		}
		p.cancel()
		tr.Close()
		p.server.Close()
		p.wg.Wait()
	})
}
