package payments

// SelectProcessor chooses the payment method for one request. Client
// preference wins: the first client PMI served by any configured processor is
// taken. When the preference list is empty or matches nothing, the server's
// first processor is the fallback.
func SelectProcessor(clientPMIs []string, processors []Processor) Processor {
	if len(processors) == 0 {
		return nil
	}
	byPMI := make(map[string]Processor, len(processors))
	for _, p := range processors {
		if _, ok := byPMI[p.PMI()]; !ok {
			byPMI[p.PMI()] = p
		}
	}
	for _, pmi := range clientPMIs {
		if p, ok := byPMI[pmi]; ok {
			return p
		}
	}
	return processors[0]
}
